package entities

import "time"

// Recording is one uploaded audio file and its processing state.
type Recording struct {
	ID            string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	FilePath      string          `gorm:"type:varchar(500);not null" json:"file_path"`
	FileName      string          `gorm:"type:varchar(255);not null" json:"file_name"`
	FileSize      int64           `gorm:"not null" json:"file_size"`
	FileType      string          `gorm:"type:varchar(10);not null" json:"file_type"`
	Duration      *float64        `json:"duration,omitempty"`
	Latitude      *float64        `gorm:"index:idx_recordings_location" json:"latitude,omitempty"`
	Longitude     *float64        `gorm:"index:idx_recordings_location" json:"longitude,omitempty"`
	LocationName  *string         `gorm:"type:varchar(255)" json:"location_name,omitempty"`
	DeviceID      *string         `gorm:"type:varchar(100);index" json:"device_id,omitempty"`
	UserID        *uint           `gorm:"index" json:"user_id,omitempty"`
	Status        RecordingStatus `gorm:"type:varchar(20);not null;default:uploaded;index" json:"status"`
	RecordedAt    time.Time       `gorm:"not null;index" json:"recorded_at"`
	AnalyzedAt    *time.Time      `json:"analyzed_at,omitempty"`
	AnalysisError *string         `gorm:"type:text" json:"analysis_error,omitempty"`
	Metadata      JSONMap         `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	User     *User      `gorm:"foreignKey:UserID;constraint:OnDelete:SET NULL" json:"-"`
	Analyses []Analysis `gorm:"foreignKey:RecordingID;constraint:OnDelete:CASCADE" json:"analyses,omitempty"`
}

func (Recording) TableName() string { return "recordings" }

// HasLocation reports whether both coordinates are set.
func (r *Recording) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}
