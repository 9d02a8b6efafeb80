// Package store is the single component with disk access. Everything the
// engine must not lose across restarts (queued messages, twin documents,
// reported-property patches, credentials) goes through the Repo, which
// serializes all writes on one embedded sqlite handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// configRowID pins the singleton configuration row. Non-zero so gorm never
// mistakes it for an unset auto-increment key.
const configRowID = 1

// Repo wraps the embedded database. All methods are safe for concurrent use;
// writes are serialized so readers only ever observe committed state.
type Repo struct {
	db  *gorm.DB
	mu  sync.Mutex
	log *slog.Logger

	messageWake  chan struct{}
	reportedWake chan struct{}
	c2dWake      chan struct{}
}

// Open opens (creating if needed) the database file and returns a migrated
// Repo. The file must be readable and writable by the current process and
// must not be shared with another process.
func Open(path string, log *slog.Logger) (*Repo, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open local database %q: %w", path, err)
	}
	return New(db, log)
}

// New migrates the schema on an already opened database. Split from Open so
// tests can use in-memory databases.
func New(db *gorm.DB, log *slog.Logger) (*Repo, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(
		&Message{},
		&CloudToDeviceMessage{},
		&CloudToDeviceProperty{},
		&TwinRecord{},
		&ReportedPropertiesUpdate{},
		&SdkConfiguration{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Repo{
		db:           db,
		log:          log,
		messageWake:  make(chan struct{}, 1),
		reportedWake: make(chan struct{}, 1),
		c2dWake:      make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying database handle.
func (r *Repo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("unwrap database handle: %w", err)
	}
	return sqlDB.Close()
}

// ConfigurationFragment is whatever part of a previously saved configuration
// could be read back. Missing fields are nil; a fresh database yields the
// zero value.
type ConfigurationFragment struct {
	InstanceURL       *string
	ProvisioningToken *string
	RegistrationToken *string
	RTExpiration      *time.Time
	RequestedDeviceID *string
	WorkspaceID       *string
	DeviceID          *string
}

// LoadAvailableConfiguration reads whatever configuration an existing
// database file holds. It never fails the startup path: any problem is
// logged and an empty fragment is returned so provisioning starts fresh.
func LoadAvailableConfiguration(path string, log *slog.Logger) ConfigurationFragment {
	if log == nil {
		log = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		log.Debug("local database file does not exist yet", "path", path)
		return ConfigurationFragment{}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Warn("skipping stored configuration", "path", path, "error", err)
		return ConfigurationFragment{}
	}
	var cfg SdkConfiguration
	if err := db.Where("id = ?", configRowID).First(&cfg).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("skipping stored configuration", "path", path, "error", err)
		}
		return ConfigurationFragment{}
	}
	if cfg.SchemaVersion != SchemaVersion {
		log.Warn("stored configuration has unknown schema version, ignoring",
			"path", path, "version", cfg.SchemaVersion)
		return ConfigurationFragment{}
	}
	frag := ConfigurationFragment{
		RequestedDeviceID: cfg.RequestedDeviceID,
	}
	if cfg.InstanceURL != "" {
		frag.InstanceURL = &cfg.InstanceURL
	}
	if cfg.ProvisioningToken != "" {
		frag.ProvisioningToken = &cfg.ProvisioningToken
	}
	if cfg.RegistrationToken != "" {
		frag.RegistrationToken = &cfg.RegistrationToken
		frag.RTExpiration = cfg.RTExpiration
	}
	if cfg.WorkspaceID != "" {
		frag.WorkspaceID = &cfg.WorkspaceID
	}
	if cfg.DeviceID != "" {
		frag.DeviceID = &cfg.DeviceID
	}
	return frag
}

// SaveConfiguration replaces the singleton configuration row.
func (r *Repo) SaveConfiguration(ctx context.Context, cfg *SdkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg.ID = configRowID
	cfg.SchemaVersion = SchemaVersion
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(cfg).Error
}

// LoadConfiguration returns the singleton configuration row.
func (r *Repo) LoadConfiguration(ctx context.Context) (*SdkConfiguration, error) {
	var cfg SdkConfiguration
	if err := r.db.WithContext(ctx).Where("id = ?", configRowID).First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return &cfg, nil
}

// SaveRegistrationToken updates the stored registration token together with
// its expiry time. A nil expiration means the token does not expire.
func (r *Repo) SaveRegistrationToken(ctx context.Context, token string, expiration *time.Time) error {
	return r.updateConfiguration(ctx, map[string]any{
		"registration_token": token,
		"rt_expiration":      expiration,
	})
}

// SaveDeviceID updates the assigned device ID.
func (r *Repo) SaveDeviceID(ctx context.Context, deviceID string) error {
	return r.updateConfiguration(ctx, map[string]any{"device_id": deviceID})
}

// SaveWorkspaceID updates the workspace ID.
func (r *Repo) SaveWorkspaceID(ctx context.Context, workspaceID string) error {
	return r.updateConfiguration(ctx, map[string]any{"workspace_id": workspaceID})
}

func (r *Repo) updateConfiguration(ctx context.Context, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.db.WithContext(ctx).
		Model(&SdkConfiguration{}).
		Where("id = ?", configRowID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("configuration row does not exist yet")
	}
	return nil
}

// Messages
// ================================================================================

// InsertMessage persists an outbound message and wakes the extractor. The
// message becomes visible to ListMessagesAfter only once the insert has
// committed.
func (r *Repo) InsertMessage(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	err := r.db.WithContext(ctx).Create(msg).Error
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store outbound message: %w", err)
	}
	signal(r.messageWake)
	return nil
}

// ListMessagesAfter returns up to limit messages with ID greater than after,
// in ascending commit order.
func (r *Repo) ListMessagesAfter(ctx context.Context, after int64, limit int) ([]Message, error) {
	var msgs []Message
	err := r.db.WithContext(ctx).
		Where("id > ?", after).
		Order("id").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list outbound messages: %w", err)
	}
	return msgs, nil
}

// MessageCount returns the number of messages not yet acknowledged.
func (r *Repo) MessageCount(ctx context.Context) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&Message{}).Count(&cnt).Error; err != nil {
		return 0, fmt.Errorf("count outbound messages: %w", err)
	}
	return cnt, nil
}

// RemoveOldestMessage deletes the message with the lowest ID. Called by the
// sender after a positive transport acknowledgment, never before.
func (r *Repo) RemoveOldestMessage(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.WithContext(ctx).
		Exec("DELETE FROM messages WHERE id = (SELECT id FROM messages ORDER BY id LIMIT 1)").
		Error
}

// MessageWake signals (coalesced) whenever a new message is committed.
func (r *Repo) MessageWake() <-chan struct{} { return r.messageWake }

// Twins
// ================================================================================

// SaveTwin appends a new version of the given twin document.
func (r *Repo) SaveTwin(ctx context.Context, twinType string, properties []byte, version uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := TwinRecord{Type: twinType, Properties: properties, Version: version}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save %s twin: %w", twinType, err)
	}
	return nil
}

// LoadTwin returns the newest persisted document of the given type, or nil if
// none has been stored yet.
func (r *Repo) LoadTwin(ctx context.Context, twinType string) (*TwinRecord, error) {
	var rec TwinRecord
	err := r.db.WithContext(ctx).
		Where("type = ?", twinType).
		Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s twin: %w", twinType, err)
	}
	return &rec, nil
}

// Reported-properties update queue
// ================================================================================

// EnqueueReportedUpdate appends a reported-properties patch to the durable
// queue and wakes the twin worker.
func (r *Repo) EnqueueReportedUpdate(ctx context.Context, upd *ReportedPropertiesUpdate) error {
	r.mu.Lock()
	err := r.db.WithContext(ctx).Create(upd).Error
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store reported properties update: %w", err)
	}
	signal(r.reportedWake)
	return nil
}

// NextReportedUpdateAfter returns the oldest queued update with ID greater
// than after, or nil when the queue is drained past that point.
func (r *Repo) NextReportedUpdateAfter(ctx context.Context, after int64) (*ReportedPropertiesUpdate, error) {
	var upd ReportedPropertiesUpdate
	err := r.db.WithContext(ctx).
		Where("id > ?", after).
		Order("id").
		First(&upd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load reported properties update: %w", err)
	}
	return &upd, nil
}

// RemoveReportedUpdate deletes an acknowledged update from the queue.
func (r *Repo) RemoveReportedUpdate(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.WithContext(ctx).Delete(&ReportedPropertiesUpdate{}, id).Error
}

// ReportedUpdateCount returns the number of not-yet-acknowledged updates.
func (r *Repo) ReportedUpdateCount(ctx context.Context) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&ReportedPropertiesUpdate{}).Count(&cnt).Error; err != nil {
		return 0, fmt.Errorf("count reported properties updates: %w", err)
	}
	return cnt, nil
}

// ReportedWake signals (coalesced) whenever a new update is enqueued.
func (r *Repo) ReportedWake() <-chan struct{} { return r.reportedWake }

// Cloud-to-device messages
// ================================================================================

// InsertCloudToDevice persists an inbound message with its properties.
func (r *Repo) InsertCloudToDevice(ctx context.Context, msg *CloudToDeviceMessage) error {
	r.mu.Lock()
	err := r.db.WithContext(ctx).Create(msg).Error
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store cloud-to-device message: %w", err)
	}
	signal(r.c2dWake)
	return nil
}

// NextCloudToDeviceAfter returns the oldest inbound message with ID greater
// than after, including its properties, or nil when none is pending.
func (r *Repo) NextCloudToDeviceAfter(ctx context.Context, after int64) (*CloudToDeviceMessage, error) {
	var msg CloudToDeviceMessage
	err := r.db.WithContext(ctx).
		Preload("Properties").
		Where("id > ?", after).
		Order("id").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cloud-to-device message: %w", err)
	}
	return &msg, nil
}

// RemoveCloudToDevice deletes a processed inbound message and its properties.
func (r *Repo) RemoveCloudToDevice(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&CloudToDeviceProperty{}).Error; err != nil {
			return err
		}
		return tx.Delete(&CloudToDeviceMessage{}, id).Error
	})
}

// CloudToDeviceCount returns the number of undelivered inbound messages.
func (r *Repo) CloudToDeviceCount(ctx context.Context) (int64, error) {
	var cnt int64
	if err := r.db.WithContext(ctx).Model(&CloudToDeviceMessage{}).Count(&cnt).Error; err != nil {
		return 0, fmt.Errorf("count cloud-to-device messages: %w", err)
	}
	return cnt, nil
}

// CloudToDeviceWake signals (coalesced) whenever an inbound message arrives.
func (r *Repo) CloudToDeviceWake() <-chan struct{} { return r.c2dWake }

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
