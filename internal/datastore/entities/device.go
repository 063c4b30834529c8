package entities

import (
	"strings"
	"time"
)

// Device is a field recorder. DeviceID is the external identifier chosen by
// the device and is stored lower case.
type Device struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	DeviceID        string     `gorm:"type:varchar(100);uniqueIndex;not null" json:"device_id"`
	Name            string     `gorm:"type:varchar(255)" json:"name"`
	Latitude        *float64   `json:"latitude,omitempty"`
	Longitude       *float64   `json:"longitude,omitempty"`
	LocationName    *string    `gorm:"type:varchar(255)" json:"location_name,omitempty"`
	Active          bool       `gorm:"not null;default:true;index" json:"is_active"`
	LastSeen        *time.Time `gorm:"index" json:"last_seen,omitempty"`
	HardwareVersion *string    `gorm:"type:varchar(50)" json:"hardware_version,omitempty"`
	FirmwareVersion *string    `gorm:"type:varchar(50)" json:"firmware_version,omitempty"`
	DiskSpaceTotal  *int64     `json:"disk_space_total,omitempty"` // bytes, reported at check-in
	DiskSpaceUsed   *int64     `json:"disk_space_used,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	Recordings []Recording `gorm:"foreignKey:DeviceID;references:DeviceID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
}

func (Device) TableName() string { return "devices" }

// NormalizeDeviceID trims and lower-cases an external device id.
func NormalizeDeviceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// IsOnline reports whether the device checked in within window of now.
func (d *Device) IsOnline(now time.Time, window time.Duration) bool {
	return d.Active && d.LastSeen != nil && now.Sub(*d.LastSeen) <= window
}
