// Package store persists punches, devices and agent configuration in an
// embedded SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultPath is where the database lives when the configuration does
// not say otherwise.
const DefaultPath = "data/att.db"

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Locked-database retry policy.
const (
	lockRetries      = 5
	lockBackoffStart = 50 * time.Millisecond
)

// Store wraps the embedded database. All methods are safe for concurrent
// use; SQLite contention is absorbed by the busy-timeout pragma plus a
// short retry loop.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open creates or opens the database at path, migrates the schema and
// seeds configuration defaults.
func Open(path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers, enforced foreign keys, a 5s lock wait
	// and relaxed fsync since WAL already bounds the loss window.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "store"))}
	if err := s.seedDefaults(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// seedDefaults inserts the initial configuration rows, leaving existing
// values untouched.
func (s *Store) seedDefaults(ctx context.Context) error {
	defaults := []ConfigEntry{
		{Key: KeySiteURL, Value: PlaceholderSiteURL},
		{Key: KeySyncInterval, Value: "300"},
		{Key: KeyLogLevel, Value: "INFO"},
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&defaults).Error
	if err != nil {
		return fmt.Errorf("seed configuration defaults: %w", err)
	}
	return nil
}

// isLocked reports a transient SQLite lock error.
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs op, retrying lock errors with exponential backoff.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	backoff := lockBackoffStart
	var err error
	for attempt := 1; attempt <= lockRetries; attempt++ {
		err = op()
		if !isLocked(err) {
			return err
		}
		s.log.Warn("database locked, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// -------------------------------------------------------------------------
// Attendance
// -------------------------------------------------------------------------

// InsertAttendance persists one punch. It reports false when the dedup
// index already holds a row for (user_id, punch_time, device_sn).
func (s *Store) InsertAttendance(ctx context.Context, att *Attendance) (bool, error) {
	if att.Status == "" {
		att.Status = StatusPending
	}
	var inserted bool
	err := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(att)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert attendance: %w", err)
	}
	return inserted, nil
}

// BulkInsertAttendance persists a batch and returns how many rows were
// actually added, counted from the driver's affected-rows result.
func (s *Store) BulkInsertAttendance(ctx context.Context, atts []Attendance) (int64, error) {
	if len(atts) == 0 {
		return 0, nil
	}
	for i := range atts {
		if atts[i].Status == "" {
			atts[i].Status = StatusPending
		}
	}
	var count int64
	err := s.withRetry(ctx, func() error {
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&atts, 200)
		if res.Error != nil {
			return res.Error
		}
		count = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert attendance: %w", err)
	}
	return count, nil
}

// GetUnsynced returns up to limit pending punches ordered by punch time.
func (s *Store) GetUnsynced(ctx context.Context, limit int) ([]Attendance, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Attendance
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("status = ?", StatusPending).
			Order("punch_time").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("get unsynced: %w", err)
	}
	return rows, nil
}

// MarkSynced retires the given rows in a single statement: status
// becomes synced and sync_time is stamped. Rows never come back to
// pending.
func (s *Store) MarkSynced(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&Attendance{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"status": StatusSynced, "sync_time": &now}).Error
	})
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// CountPending returns the number of rows still waiting for upload.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&Attendance{}).
			Where("status = ?", StatusPending).
			Count(&n).Error
	})
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// GetConfig reads one configuration value, falling back to def when the
// key is absent.
func (s *Store) GetConfig(ctx context.Context, key, def string) (string, error) {
	var entry ConfigEntry
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).First(&entry, "key = ?", key).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("get config %s: %w", key, err)
	}
	return entry.Value, nil
}

// SetConfig writes one configuration value, inserting or replacing.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value"}),
			}).
			Create(&ConfigEntry{Key: key, Value: value}).Error
	})
	if err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Devices
// -------------------------------------------------------------------------

// AddDevice registers or refreshes a terminal, keyed by serial number.
func (s *Store) AddDevice(ctx context.Context, dev *Device) error {
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "serial_number"}},
				DoUpdates: clause.AssignmentColumns([]string{"ip", "port", "name", "is_active"}),
			}).
			Create(dev).Error
	})
	if err != nil {
		return fmt.Errorf("add device %s: %w", dev.SerialNumber, err)
	}
	return nil
}

// DeleteDevice removes a terminal by serial number.
func (s *Store) DeleteDevice(ctx context.Context, serialNumber string) error {
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("serial_number = ?", serialNumber).
			Delete(&Device{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete device %s: %w", serialNumber, err)
	}
	return nil
}

// GetActiveDevices lists the terminals the supervisor should run.
func (s *Store) GetActiveDevices(ctx context.Context) ([]Device, error) {
	var devs []Device
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("is_active = ?", true).
			Order("serial_number").
			Find(&devs).Error
	})
	if err != nil {
		return nil, fmt.Errorf("get active devices: %w", err)
	}
	return devs, nil
}

// TouchDeviceSync stamps the device's last successful sync time.
func (s *Store) TouchDeviceSync(ctx context.Context, serialNumber string, at time.Time) error {
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&Device{}).
			Where("serial_number = ?", serialNumber).
			Update("last_sync", &at).Error
	})
	if err != nil {
		return fmt.Errorf("touch device %s: %w", serialNumber, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// User Cache
// -------------------------------------------------------------------------

// UpsertUsers refreshes the cached user table of one device.
func (s *Store) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	now := time.Now()
	for i := range users {
		users[i].LastUpdated = now
	}
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"uid", "name", "privilege", "password", "device_sn", "last_updated"}),
			}).
			CreateInBatches(&users, 200).Error
	})
	if err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	return nil
}

// LookupUserByUID resolves a device-internal uid to its user record.
func (s *Store) LookupUserByUID(ctx context.Context, deviceSN string, uid uint16) (*User, error) {
	var u User
	err := s.withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("device_sn = ? AND uid = ?", deviceSN, uid).
			First(&u).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user uid %d: %w", uid, err)
	}
	return &u, nil
}
