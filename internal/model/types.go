package model

import "time"

// TimeLayout is the zone-naive layout used for every persisted timestamp.
// Fixed-width fractional seconds keep lexicographic TEXT comparison equal
// to chronological comparison, which the look-back queries depend on.
const TimeLayout = "2006-01-02T15:04:05.000000000"

// Inbound event types.
const (
	EventScan = "scan"
	EventBoot = "boot"
)

// Asset status values. The most recent asset_status row is the current
// status by convention; rows are never updated in place.
const (
	StatusActive  = "Active"
	StatusIdle    = "Idle"
	StatusMissing = "Missing"
)

// Alert types.
const (
	AlertUnknownAsset = "Unknown Asset"
	AlertGeofencing   = "Geofencing Alert"
	AlertMissingAsset = "Missing Asset"
)

// SystemActorID stamps alerts acknowledged by the pipeline rather than a user.
const SystemActorID = 0

// Reader health log event types.
const (
	HealthBoot = "BOOT"
	HealthScan = "SCAN"
)

// UtilizationReactivated marks an idle-to-active transition in the
// utilization log.
const UtilizationReactivated = "REACTIVATED"

// ReaderRef identifies a reader and the room it is installed in.
type ReaderRef struct {
	ReaderID int64
	RoomID   int64
}

// TagRef identifies an RFID tag and the asset it is affixed to.
type TagRef struct {
	TagID   int64
	AssetID int64
}

// Location carries the human-readable names of a room's location hierarchy.
type Location struct {
	Room     string
	Floor    string
	Building string
}

// ScanEvent is one accepted scan. Append-only; never updated or deleted.
type ScanEvent struct {
	AssetID  int64
	TagID    int64
	ReaderID int64
	RoomID   int64
	ScanTime time.Time
}

// StatusRecord is one row of the asset status history.
type StatusRecord struct {
	Status     string
	RecordedAt time.Time
}

// Alert is a security or compliance notification. AssetID is nil for
// unresolved-tag alerts.
type Alert struct {
	ID             int64      `json:"alert_id"`
	AssetID        *int64     `json:"asset_id"`
	Type           string     `json:"alert_type"`
	Message        string     `json:"alert_message"`
	GeneratedAt    time.Time  `json:"generated_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at"`
	AcknowledgedBy *int64     `json:"acknowledged_by"`
}

// StoredScan is a scan event joined with catalog names for the read API.
type StoredScan struct {
	ScanTime  time.Time `json:"scan_time"`
	AssetCode string    `json:"asset_code"`
	AssetName string    `json:"asset_name"`
	RoomName  string    `json:"room_name"`
}

// AssetLocation is the latest known position of an asset.
type AssetLocation struct {
	AssetID        int64      `json:"asset_id"`
	AssetCode      string     `json:"asset_code"`
	AssetName      string     `json:"asset_name"`
	AssetType      string     `json:"asset_type,omitempty"`
	RoomID         *int64     `json:"room_id"`
	RoomName       string     `json:"current_room,omitempty"`
	FloorName      string     `json:"floor_name,omitempty"`
	BuildingName   string     `json:"building_name,omitempty"`
	LastSeenAt     *time.Time `json:"last_seen_at"`
	ActivityStatus string     `json:"activity_status"`
}
