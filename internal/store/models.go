package store

import (
	"time"

	"gorm.io/datatypes"
)

// SchemaVersion is the version of the on-disk layout. Opening a database file
// written by an unknown schema version fails instead of guessing.
const SchemaVersion = "1.2.0"

// CloseOption marks whether a message also completes its batch or itself.
type CloseOption uint8

const (
	CloseNone CloseOption = iota
	// CloseBatch completes the batch after the message payload.
	CloseBatch
	// CloseBatchOnly completes the batch; the payload is ignored.
	CloseBatchOnly
	// CloseMessageOnly completes a chunked message; the payload is ignored.
	CloseMessageOnly
)

// Compression selects the payload compression applied by the sender.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionBrotliFastest
	CompressionBrotliSmallestSize
)

// Message is a queued device-to-cloud message. It is owned by the store from
// the moment the enqueue transaction commits until the sender observes the
// transport acknowledgment and removes it.
type Message struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	SiteID       *string
	StreamGroup  *string
	Stream       *string
	BatchID      *string
	MessageID    *string
	Content      []byte
	CloseOption  CloseOption
	Compression  Compression
	BatchSliceID *string
	ChunkID      *string
}

// CloudToDeviceMessage is an inbound message persisted until the application
// acknowledges its delivery.
type CloudToDeviceMessage struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	Content    []byte
	Properties []CloudToDeviceProperty `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`
}

// CloudToDeviceProperty is one key/value pair attached to an inbound message.
type CloudToDeviceProperty struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	MessageID int64 `gorm:"index"`
	Key       string
	Value     string
}

// TwinRecord is one persisted version of a twin document. The newest row per
// type is the current document; older rows are history.
type TwinRecord struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"index"`
	Properties datatypes.JSON
	Version    uint64
}

// Twin types stored in TwinRecord.Type.
const (
	TwinDesired  = "desired"
	TwinReported = "reported"
)

// ReportedUpdateType distinguishes full replacements from merge patches.
type ReportedUpdateType uint8

const (
	ReportedUpdateFull ReportedUpdateType = iota
	ReportedUpdatePatch
)

// ReportedPropertiesUpdate is one queued reported-properties change. Rows are
// consumed in primary-key order and removed only after the platform
// acknowledges the published patch.
type ReportedPropertiesUpdate struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	UpdateType ReportedUpdateType
	Patch      datatypes.JSON
}

// SdkConfiguration is the singleton row holding device identity and
// credentials. Only the token handler mutates it. Auto-increment is off so
// the row keeps its fixed id instead of being re-inserted under a new one.
type SdkConfiguration struct {
	ID                int64 `gorm:"primaryKey;autoIncrement:false"`
	SchemaVersion     string
	InstanceURL       string
	ProvisioningToken string
	RegistrationToken string
	RTExpiration      *time.Time
	RequestedDeviceID *string
	WorkspaceID       string
	DeviceID          string
}
