package store

import (
	"time"

	"gorm.io/datatypes"
)

// Client status values. Deregistered and uninstalled clients are soft-deleted:
// their rows and event history remain for audit.
const (
	StatusOnline       = "online"
	StatusWarning      = "warning"
	StatusOffline      = "offline"
	StatusDeregistered = "deregistered"
	StatusUninstalled  = "uninstalled"
)

// Integrity status values for a client's monitored tree.
const (
	IntegrityClean    = "clean"
	IntegrityModified = "modified"
)

// Uptime interval states.
const (
	StateUp      = "UP"
	StateSuspect = "SUSPECT"
	StateDown    = "DOWN"
)

// Event types recorded by daemons and by the server itself.
const (
	EventDirectorySelected   = "directory_selected"
	EventDirectoryUnselected = "directory_unselected"
	EventAttestationFailed   = "attestation_failed"
	EventHeartbeatMissed     = "heartbeat_missed"
	EventRegistration        = "registration"
	EventReregister          = "reregister"
	EventDeregistration      = "deregistration"
	EventUninstall           = "uninstall"
)

// Client is a registered monitoring daemon and the server-side truth about it.
// CurrentRootHash is the last attestation hash the daemon acknowledged; it is
// written only by the commit step of the handshake, never by report or heartbeat.
type Client struct {
	ID                    uint   `gorm:"primaryKey" json:"-"`
	ClientID              string `gorm:"uniqueIndex" json:"client_id"`
	HardwareInfo          datatypes.JSON `json:"hardware_info,omitempty"`
	Status                string  `gorm:"index" json:"status"`
	IntegrityStatus       string  `json:"integrity_status"`
	CurrentRootHash       *string `json:"current_root_hash"`
	AttestationValid      bool    `json:"attestation_valid"`
	FileCount             int     `json:"file_count"`
	LastBootID            string  `json:"last_boot_id"`
	LastSeen              time.Time  `gorm:"index" json:"last_seen"`
	LastHeartbeat         *time.Time `json:"last_heartbeat"`
	MissedHeartbeatCount  int        `json:"missed_heartbeat_count"`
	AttestationErrorCount int        `json:"attestation_error_count"`
	IntegrityChangeCount  int        `json:"integrity_change_count"`
	LastReviewedAt        *time.Time `json:"last_reviewed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// MonitoredPath is a directory baseline declared by a daemon. A client may
// monitor several independent directories; each carries its own root hash.
type MonitoredPath struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	ClientID      string `gorm:"uniqueIndex:idx_client_dir" json:"client_id"`
	DirectoryPath string `gorm:"uniqueIndex:idx_client_dir" json:"directory_path"`
	RootHash      string `json:"root_hash"`
	FileCount     int    `json:"file_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Event is a single integrity event in the attestation handshake. Daemon-sent
// events carry a client-generated ClientEventID used for replay deduplication;
// server-synthesized audit rows (attestation_failed, heartbeat_missed, ...)
// leave it NULL so the unique index never collides.
type Event struct {
	ID             uint    `gorm:"primaryKey" json:"id"`
	ClientEventID  *string `gorm:"uniqueIndex" json:"client_event_id,omitempty"`
	ClientID       string  `gorm:"index" json:"client_id"`
	EventType      string  `json:"event_type"`
	FilePath       string  `json:"file_path,omitempty"`
	OldHash        string  `json:"old_hash,omitempty"`
	NewHash        string  `json:"new_hash,omitempty"`
	RootHash       string  `json:"root_hash,omitempty"`
	LastValidHash  string  `json:"last_valid_hash,omitempty"`
	Acknowledged   bool    `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Reviewed       bool       `json:"reviewed"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
	Timestamp      time.Time  `gorm:"index" json:"timestamp"`
}

// UptimeInterval is one entry in the append-only liveness timeline. EndTime is
// NULL while the interval is the client's current state; at most one interval
// per client is open at a time and closed intervals never overlap.
type UptimeInterval struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	ClientID        string     `gorm:"index" json:"client_id"`
	State           string     `json:"state"`
	StartTime       time.Time  `gorm:"index" json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
}

// Heartbeat is the raw check-in log. It feeds batch reconciliation and is
// purged after the retention window; the timeline is the durable record.
type Heartbeat struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	ClientID  string    `gorm:"index:idx_hb_client_ts" json:"client_id"`
	Timestamp time.Time `gorm:"index:idx_hb_client_ts" json:"timestamp"`
}

// Admin holds the credentials checked when a deregistered machine asks to
// reregister or uninstall. Possession of an old daemon token is not enough to
// recover identity; a human must supply these.
type Admin struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	Username     string `gorm:"uniqueIndex" json:"username"`
	PasswordHash string `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Models returns every schema type for AutoMigrate.
func Models() []any {
	return []any{&Client{}, &MonitoredPath{}, &Event{}, &UptimeInterval{}, &Heartbeat{}, &Admin{}}
}
