package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/datastore/repository"
	"github.com/tphakala/birdnet-census/internal/errors"
	"github.com/tphakala/birdnet-census/internal/logger"
	"github.com/tphakala/birdnet-census/internal/recording"
)

func (c *Controller) initDeviceRoutes() {
	c.Group.GET("/devices", c.ListDevices)
	c.Group.POST("/devices", c.RegisterDevice)
	c.Group.GET("/devices/:id", c.GetDevice)
	c.Group.PUT("/devices/:id", c.UpdateDevice)
	c.Group.DELETE("/devices/:id", c.DeactivateDevice)
	c.Group.POST("/devices/:id/checkin", c.CheckInDevice)
	c.Group.GET("/devices/:id/activity", c.GetDeviceActivity)
}

// DeviceResponse adds the derived online flag.
type DeviceResponse struct {
	entities.Device
	Online         bool   `json:"is_online"`
	RecordingCount *int64 `json:"recording_count,omitempty"`
}

// DeviceRequest is the body of register and update calls.
type DeviceRequest struct {
	DeviceID        string   `json:"device_id"`
	Name            *string  `json:"name"`
	HardwareVersion *string  `json:"hardware_version"`
	FirmwareVersion *string  `json:"firmware_version"`
	LocationName    *string  `json:"location_name"`
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
}

// CheckInRequest is the heartbeat body sent by edge recorders.
type CheckInRequest struct {
	Latitude        *float64 `json:"latitude"`
	Longitude       *float64 `json:"longitude"`
	FirmwareVersion *string  `json:"firmware_version"`
	DiskSpaceTotal  *int64   `json:"disk_space_total"`
	DiskSpaceUsed   *int64   `json:"disk_space_used"`
}

func (c *Controller) deviceResponse(d *entities.Device) DeviceResponse {
	return DeviceResponse{Device: *d, Online: d.IsOnline(c.now(), c.Settings.Devices.OnlineWindow)}
}

func (c *Controller) bindDeviceRequest(ctx echo.Context) (*DeviceRequest, error) {
	var req DeviceRequest
	if err := ctx.Bind(&req); err != nil {
		return nil, errors.New(err).Component("api").Category(errors.CategoryValidation).Build()
	}
	if err := recording.ValidateLocation(req.Latitude, req.Longitude); err != nil {
		return nil, err
	}
	return &req, nil
}

// ListDevices handles GET /devices.
func (c *Controller) ListDevices(ctx echo.Context) error {
	activeOnly := false
	if raw := strings.TrimSpace(ctx.QueryParam("active")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return c.HandleError(ctx, badParam("active", "%q is not a boolean", raw), "Invalid filter")
		}
		activeOnly = v
	}
	page, err := queryPage(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid pagination")
	}

	rows, total, err := c.deps.Devices.List(ctx.Request().Context(), activeOnly, page)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to list devices")
	}
	out := make([]DeviceResponse, len(rows))
	for i := range rows {
		out[i] = c.deviceResponse(&rows[i].Device)
		out[i].RecordingCount = &rows[i].RecordingCount
	}
	return ctx.JSON(http.StatusOK, newPaginatedResponse(out, total, page))
}

// RegisterDevice creates a device or refreshes an existing one.
func (c *Controller) RegisterDevice(ctx echo.Context) error {
	req, err := c.bindDeviceRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid device")
	}
	dev, created, err := c.deps.Devices.Register(ctx.Request().Context(), repository.DeviceRegistration{
		DeviceID:        req.DeviceID,
		Name:            req.Name,
		HardwareVersion: req.HardwareVersion,
		FirmwareVersion: req.FirmwareVersion,
		LocationName:    req.LocationName,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Registration failed")
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		c.log.Info("device registered", logger.String("device_id", dev.DeviceID))
	}
	return ctx.JSON(code, c.deviceResponse(dev))
}

// GetDevice handles GET /devices/:id.
func (c *Controller) GetDevice(ctx echo.Context) error {
	dev, err := c.deps.Devices.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Device not available")
	}
	return ctx.JSON(http.StatusOK, c.deviceResponse(dev))
}

// UpdateDevice handles PUT /devices/:id.
func (c *Controller) UpdateDevice(ctx echo.Context) error {
	req, err := c.bindDeviceRequest(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid device")
	}
	dev, err := c.deps.Devices.Update(ctx.Request().Context(), ctx.Param("id"), repository.DeviceUpdate{
		Name:            req.Name,
		HardwareVersion: req.HardwareVersion,
		FirmwareVersion: req.FirmwareVersion,
		LocationName:    req.LocationName,
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
	})
	if err != nil {
		return c.HandleError(ctx, err, "Update failed")
	}
	return ctx.JSON(http.StatusOK, c.deviceResponse(dev))
}

// DeactivateDevice handles DELETE /devices/:id. Recordings are kept.
func (c *Controller) DeactivateDevice(ctx echo.Context) error {
	dev, err := c.deps.Devices.Deactivate(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Deactivation failed")
	}
	c.log.Info("device deactivated", logger.String("device_id", dev.DeviceID))
	return ctx.JSON(http.StatusOK, c.deviceResponse(dev))
}

// CheckInDevice records a heartbeat.
func (c *Controller) CheckInDevice(ctx echo.Context) error {
	var req CheckInRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, errors.New(err).Component("api").Category(errors.CategoryValidation).Build(), "Invalid check-in")
	}
	if err := recording.ValidateLocation(req.Latitude, req.Longitude); err != nil {
		return c.HandleError(ctx, err, "Invalid check-in")
	}
	if (req.DiskSpaceTotal != nil && *req.DiskSpaceTotal < 0) || (req.DiskSpaceUsed != nil && *req.DiskSpaceUsed < 0) {
		return c.HandleError(ctx, badParam("disk space", "must not be negative"), "Invalid check-in")
	}
	dev, err := c.deps.Devices.CheckIn(ctx.Request().Context(), ctx.Param("id"), repository.DeviceCheckIn{
		Latitude:        req.Latitude,
		Longitude:       req.Longitude,
		FirmwareVersion: req.FirmwareVersion,
		DiskSpaceTotal:  req.DiskSpaceTotal,
		DiskSpaceUsed:   req.DiskSpaceUsed,
		At:              c.now(),
	})
	if err != nil {
		return c.HandleError(ctx, err, "Check-in failed")
	}
	return ctx.JSON(http.StatusOK, c.deviceResponse(dev))
}

// ActivityResponse is a per-day timeline for one device.
type ActivityResponse struct {
	DeviceID string                   `json:"device_id"`
	Days     int                      `json:"days"`
	Activity []repository.DayActivity `json:"activity"`
}

// GetDeviceActivity handles GET /devices/:id/activity.
func (c *Controller) GetDeviceActivity(ctx echo.Context) error {
	days, err := queryInt(ctx, "days", 7)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid days")
	}
	dev, err := c.deps.Devices.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "Device not available")
	}
	rows, err := c.deps.Reports.DeviceActivity(ctx.Request().Context(), dev.DeviceID, days, c.now())
	if err != nil {
		return c.HandleError(ctx, err, "Activity report failed")
	}
	return ctx.JSON(http.StatusOK, ActivityResponse{DeviceID: dev.DeviceID, Days: len(rows), Activity: nonNil(rows)})
}
