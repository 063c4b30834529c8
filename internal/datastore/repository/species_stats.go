package repository

import (
	"context"
	"sort"
	"time"

	"github.com/tphakala/birdnet-census/internal/datastore/entities"
)

const (
	DefaultSpeciesStatsDays = 30
	MaxSpeciesStatsDays     = 365
	topDeviceLimit          = 10
)

type DayCount struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

type DeviceCount struct {
	DeviceID string `json:"device_id"`
	Count    int64  `json:"count"`
}

// SpeciesActivity describes one species over the trailing days ending today.
// Timeline has one entry per day, zeros included.
type SpeciesActivity struct {
	Days       int            `json:"days"`
	Since      time.Time      `json:"since"`
	Summary    SpeciesSummary `json:"summary"`
	Timeline   []DayCount     `json:"timeline"`
	Locations  []AreaCount    `json:"locations"`
	TopDevices []DeviceCount  `json:"top_devices"`
}

func (r *reportRepository) SpeciesActivity(ctx context.Context, name string, days int, now time.Time) (*SpeciesActivity, error) {
	if days <= 0 {
		days = DefaultSpeciesStatsDays
	}
	days = min(days, MaxSpeciesStatsDays)
	today := now.UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))
	name = entities.NormalizeScientificName(name)
	f := ReportFilter{ScientificName: name, Range: TimeRange{Start: start}}

	out := &SpeciesActivity{
		Days:    days,
		Since:   start,
		Summary: SpeciesSummary{Species: name},
	}

	summary, err := r.SpeciesSummary(ctx, f, 1)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		out.Summary = summary[0]
	}

	expr, err := bucketExpr(r.dialect, BucketDay, "r.recorded_at")
	if err != nil {
		return nil, err
	}
	var perDay []struct {
		Day   string
		Count int64
	}
	err = r.detections(ctx, &f).
		Select(expr + " AS day, COUNT(*) AS count").
		Group(expr).
		Scan(&perDay).Error
	if err != nil {
		return nil, dbError(err, "species_timeline")
	}
	out.Timeline = make([]DayCount, days)
	index := make(map[string]int, days)
	for i := range out.Timeline {
		d := start.AddDate(0, 0, i).Format(time.DateOnly)
		out.Timeline[i].Date = d
		index[d] = i
	}
	for _, c := range perDay {
		if i, ok := index[c.Day]; ok {
			out.Timeline[i].Count = c.Count
		}
	}

	if out.Locations, err = r.SpeciesCountsByArea(ctx, f, DefaultCellSize); err != nil {
		return nil, err
	}

	byDevice, err := r.SpeciesCountsByDevice(ctx, f)
	if err != nil {
		return nil, err
	}
	// Case variants of the name can split a device across rows.
	counts := make(map[string]int64, len(byDevice))
	for _, row := range byDevice {
		counts[row.DeviceID] += row.Count
	}
	out.TopDevices = make([]DeviceCount, 0, len(counts))
	for id, n := range counts {
		out.TopDevices = append(out.TopDevices, DeviceCount{DeviceID: id, Count: n})
	}
	sort.Slice(out.TopDevices, func(i, j int) bool {
		a, b := out.TopDevices[i], out.TopDevices[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.DeviceID < b.DeviceID
	})
	if len(out.TopDevices) > topDeviceLimit {
		out.TopDevices = out.TopDevices[:topDeviceLimit]
	}
	return out, nil
}
