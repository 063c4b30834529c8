package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// DeviceRegistration is the payload of a register call. Nil fields keep the
// stored value on re-registration.
type DeviceRegistration struct {
	DeviceID        string
	Name            *string
	HardwareVersion *string
	FirmwareVersion *string
	LocationName    *string
	Latitude        *float64
	Longitude       *float64
}

// DeviceCheckIn carries the heartbeat reported by a device.
type DeviceCheckIn struct {
	Latitude        *float64
	Longitude       *float64
	FirmwareVersion *string
	DiskSpaceTotal  *int64
	DiskSpaceUsed   *int64
	At              time.Time
}

// DeviceUpdate edits operator-managed fields.
type DeviceUpdate struct {
	Name            *string
	HardwareVersion *string
	FirmwareVersion *string
	LocationName    *string
	Latitude        *float64
	Longitude       *float64
}

// DeviceStats pairs a device with its recording count.
type DeviceStats struct {
	entities.Device
	RecordingCount int64 `json:"recording_count"`
}

// DeviceRepository manages devices. Devices are deactivated, never deleted.
type DeviceRepository interface {
	Register(ctx context.Context, reg DeviceRegistration) (*entities.Device, bool, error)
	Get(ctx context.Context, deviceID string) (*entities.Device, error)
	List(ctx context.Context, activeOnly bool, page Page) ([]DeviceStats, int64, error)
	Update(ctx context.Context, deviceID string, upd DeviceUpdate) (*entities.Device, error)
	CheckIn(ctx context.Context, deviceID string, in DeviceCheckIn) (*entities.Device, error)
	Touch(ctx context.Context, deviceID string, at time.Time) error
	Deactivate(ctx context.Context, deviceID string) (*entities.Device, error)
}

type deviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

func defaultDeviceName(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "Device " + id
}

func (r *deviceRepository) Register(ctx context.Context, reg DeviceRegistration) (*entities.Device, bool, error) {
	id := entities.NormalizeDeviceID(reg.DeviceID)
	if id == "" {
		return nil, false, errors.ValidationError("device_id is required")
	}
	now := time.Now().UTC()

	var dev entities.Device
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("device_id = ?", id).First(&dev).Error
		if isRecordNotFound(err) {
			name := defaultDeviceName(id)
			if reg.Name != nil && *reg.Name != "" {
				name = *reg.Name
			}
			dev = entities.Device{
				DeviceID:        id,
				Name:            name,
				HardwareVersion: reg.HardwareVersion,
				FirmwareVersion: reg.FirmwareVersion,
				LocationName:    reg.LocationName,
				Latitude:        reg.Latitude,
				Longitude:       reg.Longitude,
				Active:          true,
				LastSeen:        &now,
			}
			created = true
			return tx.Create(&dev).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{"active": true, "last_seen": now}
		setIfPresent(updates, "name", reg.Name)
		setIfPresent(updates, "hardware_version", reg.HardwareVersion)
		setIfPresent(updates, "firmware_version", reg.FirmwareVersion)
		setIfPresent(updates, "location_name", reg.LocationName)
		setIfPresent(updates, "latitude", reg.Latitude)
		setIfPresent(updates, "longitude", reg.Longitude)
		if err := tx.Model(&dev).Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", dev.ID).First(&dev).Error
	})
	if err != nil {
		return nil, false, dbError(err, "register_device")
	}
	return &dev, created, nil
}

func setIfPresent[T any](m map[string]any, key string, v *T) {
	if v != nil {
		m[key] = *v
	}
}

func (r *deviceRepository) Get(ctx context.Context, deviceID string) (*entities.Device, error) {
	id := entities.NormalizeDeviceID(deviceID)
	var dev entities.Device
	err := r.db.WithContext(ctx).Where("device_id = ?", id).First(&dev).Error
	if isRecordNotFound(err) {
		return nil, notFound(ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_device")
	}
	return &dev, nil
}

func (r *deviceRepository) List(ctx context.Context, activeOnly bool, page Page) ([]DeviceStats, int64, error) {
	page = page.Normalize()

	q := r.db.WithContext(ctx).Model(&entities.Device{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}

	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_devices")
	}

	var devices []entities.Device
	if err := q.Order("device_id ASC").Limit(page.Limit).Offset(page.Offset).Find(&devices).Error; err != nil {
		return nil, 0, dbError(err, "list_devices")
	}
	if len(devices) == 0 {
		return []DeviceStats{}, total, nil
	}

	ids := make([]string, len(devices))
	for i := range devices {
		ids[i] = devices[i].DeviceID
	}
	var counts []struct {
		DeviceID string
		Count    int64
	}
	err := r.db.WithContext(ctx).Model(&entities.Recording{}).
		Select("device_id, COUNT(*) AS count").
		Where("device_id IN ?", ids).
		Group("device_id").
		Scan(&counts).Error
	if err != nil {
		return nil, 0, dbError(err, "count_device_recordings")
	}
	byID := make(map[string]int64, len(counts))
	for _, c := range counts {
		byID[c.DeviceID] = c.Count
	}

	out := make([]DeviceStats, len(devices))
	for i := range devices {
		out[i] = DeviceStats{Device: devices[i], RecordingCount: byID[devices[i].DeviceID]}
	}
	return out, total, nil
}

func (r *deviceRepository) Update(ctx context.Context, deviceID string, upd DeviceUpdate) (*entities.Device, error) {
	dev, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	updates := map[string]any{}
	setIfPresent(updates, "name", upd.Name)
	setIfPresent(updates, "hardware_version", upd.HardwareVersion)
	setIfPresent(updates, "firmware_version", upd.FirmwareVersion)
	setIfPresent(updates, "location_name", upd.LocationName)
	setIfPresent(updates, "latitude", upd.Latitude)
	setIfPresent(updates, "longitude", upd.Longitude)
	if len(updates) == 0 {
		return dev, nil
	}
	if err := r.db.WithContext(ctx).Model(dev).Updates(updates).Error; err != nil {
		return nil, dbError(err, "update_device")
	}
	return r.Get(ctx, deviceID)
}

func (r *deviceRepository) CheckIn(ctx context.Context, deviceID string, in DeviceCheckIn) (*entities.Device, error) {
	dev, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	updates := map[string]any{"last_seen": at.UTC()}
	setIfPresent(updates, "latitude", in.Latitude)
	setIfPresent(updates, "longitude", in.Longitude)
	setIfPresent(updates, "firmware_version", in.FirmwareVersion)
	setIfPresent(updates, "disk_space_total", in.DiskSpaceTotal)
	setIfPresent(updates, "disk_space_used", in.DiskSpaceUsed)
	if err := r.db.WithContext(ctx).Model(dev).Updates(updates).Error; err != nil {
		return nil, dbError(err, "device_checkin")
	}
	return r.Get(ctx, deviceID)
}

func (r *deviceRepository) Touch(ctx context.Context, deviceID string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&entities.Device{}).
		Where("device_id = ?", entities.NormalizeDeviceID(deviceID)).
		Update("last_seen", at.UTC()).Error
	return dbError(err, "touch_device")
}

func (r *deviceRepository) Deactivate(ctx context.Context, deviceID string) (*entities.Device, error) {
	dev, err := r.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(dev).Update("active", false).Error; err != nil {
		return nil, dbError(err, "deactivate_device")
	}
	dev.Active = false
	return dev, nil
}
