package entities

import "time"

// User owns recordings. Authentication is handled elsewhere.
type User struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Email          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	HashedPassword string    `gorm:"type:varchar(255);not null" json:"-"`
	FullName       *string   `gorm:"type:varchar(255)" json:"full_name,omitempty"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	IsSuperuser    bool      `gorm:"not null;default:false" json:"is_superuser"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }
