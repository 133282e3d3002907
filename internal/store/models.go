package store

import "time"

// Sync states of a stored punch.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

// Well-known configuration keys.
const (
	KeySiteURL      = "site_url"
	KeySyncInterval = "sync_interval"
	KeyLogLevel     = "log_level"
)

// PlaceholderSiteURL is seeded at initialisation; the uploader stays idle
// until an operator replaces it.
const PlaceholderSiteURL = "https://example.com/api/"

// Attendance is one persisted punch. (user_id, punch_time, device_sn) is
// unique; duplicate inserts are silently ignored, which is what gives the
// pipeline its exactly-once storage semantics.
type Attendance struct {
	ID           uint      `gorm:"primaryKey"`
	UID          uint16    `gorm:"column:uid"`
	UserID       string    `gorm:"size:64;not null;uniqueIndex:idx_attendance_dedup,priority:1"`
	PunchTime    time.Time `gorm:"not null;uniqueIndex:idx_attendance_dedup,priority:2;index"`
	VerifyStatus uint8
	Punch        uint8
	DeviceIP     string     `gorm:"size:64"`
	DeviceSN     string     `gorm:"size:64;uniqueIndex:idx_attendance_dedup,priority:3"`
	Status       string `gorm:"size:16;not null;default:pending;index"`
	SyncTime     *time.Time
	CreatedAt    time.Time
}

// TableName keeps the historical table name.
func (Attendance) TableName() string { return "attendance" }

// Device mirrors one configured terminal for inspection.
type Device struct {
	ID           uint   `gorm:"primaryKey"`
	IP           string `gorm:"size:64;not null"`
	Port         int
	SerialNumber string `gorm:"size:64;uniqueIndex;not null"`
	Name         string `gorm:"size:128"`
	LastSync     *time.Time
	IsActive     bool `gorm:"not null;default:true"`
	CreatedAt    time.Time
}

func (Device) TableName() string { return "devices" }

// ConfigEntry is one (key, value) pair of agent configuration kept next
// to the data it governs.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:512"`
}

func (ConfigEntry) TableName() string { return "configuration" }

// User caches the device user table so 8-byte attendance records, which
// only carry the device-internal uid, can still be attributed.
type User struct {
	UserID      string `gorm:"primaryKey;size:64"`
	UID         uint16 `gorm:"column:uid;index"`
	Name        string `gorm:"size:128"`
	Privilege   uint8
	Password    string `gorm:"size:64"`
	DeviceSN    string `gorm:"size:64;index"`
	LastUpdated time.Time
}

func (User) TableName() string { return "users" }

// allModels lists every table for AutoMigrate.
func allModels() []any {
	return []any{&Attendance{}, &Device{}, &ConfigEntry{}, &User{}}
}
