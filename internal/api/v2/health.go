package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/birdnet-census/internal/classifier"
	"github.com/tphakala/birdnet-census/internal/logger"
)

const healthCheckTimeout = 3 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string         `json:"status"`
	Version        string         `json:"version"`
	BuildDate      string         `json:"build_date,omitempty"`
	Timestamp      string         `json:"timestamp"`
	DatabaseStatus string         `json:"database_status"`
	DatabaseError  string         `json:"database_error,omitempty"`
	Classifier     ClassifierInfo `json:"classifier"`
	Uptime         string         `json:"uptime"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
	System         SystemInfo     `json:"system"`
}

type ClassifierInfo struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type SystemInfo struct {
	Disk   *DiskInfo       `json:"disk,omitempty"`
	Memory *MemoryInfo     `json:"memory,omitempty"`
	Worker json.RawMessage `json:"worker,omitempty"`
}

type DiskInfo struct {
	Path        string  `json:"path"`
	TotalGB     float64 `json:"total_gb"`
	FreeGB      float64 `json:"free_gb"`
	UsedPercent float64 `json:"used_percent"`
}

type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// HealthCheck reports service readiness. It answers 503 when the database
// is unreachable or the classifier is not ready.
func (c *Controller) HealthCheck(ctx echo.Context) error {
	uptime := time.Since(c.startTime)
	resp := HealthResponse{
		Status:         "healthy",
		Version:        c.Settings.Version,
		BuildDate:      c.Settings.BuildDate,
		Timestamp:      c.now().Format(time.RFC3339),
		DatabaseStatus: "connected",
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
	}

	pingCtx, cancel := context.WithTimeout(ctx.Request().Context(), healthCheckTimeout)
	defer cancel()
	if c.deps.DB == nil {
		resp.DatabaseStatus = "unavailable"
	} else if err := c.deps.DB.Ping(pingCtx); err != nil {
		resp.DatabaseStatus = "disconnected"
		resp.DatabaseError = err.Error()
	}

	if c.deps.Classifier != nil {
		resp.Classifier = ClassifierInfo{
			Name:  classifier.NameOf(c.deps.Classifier),
			Ready: classifier.IsReady(c.deps.Classifier),
		}
	}

	resp.System = c.systemInfo()

	code := http.StatusOK
	if resp.DatabaseStatus != "connected" || !resp.Classifier.Ready {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return ctx.JSON(code, resp)
}

func (c *Controller) systemInfo() SystemInfo {
	const gb = 1 << 30
	const mb = 1 << 20

	var info SystemInfo
	if c.deps.Files != nil {
		if u, err := c.deps.Files.Usage(); err == nil {
			info.Disk = &DiskInfo{
				Path:        u.Path,
				TotalGB:     float64(u.TotalBytes) / gb,
				FreeGB:      float64(u.FreeBytes) / gb,
				UsedPercent: u.UsedPercent,
			}
		} else {
			c.log.Debug("disk usage unavailable", logger.Error(err))
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.Memory = &MemoryInfo{
			TotalMB:     float64(vm.Total) / mb,
			UsedMB:      float64(vm.Used) / mb,
			UsedPercent: vm.UsedPercent,
		}
	}
	if c.deps.Worker != nil {
		stats := c.deps.Worker.Stats()
		if doc, err := stats.ToJSON(); err == nil {
			info.Worker = json.RawMessage(doc)
		}
	}
	return info
}
