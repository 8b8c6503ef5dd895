package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a write lost an atomicity race.
	ErrConflict = errors.New("store: conflict")
)

// FileMeta is the durable description of an uploaded file. Bytes live next to
// it under the same key.
type FileMeta struct {
	FileID         string    `json:"file_id"`
	Filename       string    `json:"filename"`
	MIME           string    `json:"mime"`
	Size           int64     `json:"size"`
	Indexed        bool      `json:"indexed"`
	UploadedAt     time.Time `json:"uploaded_at"`
	Source         string    `json:"source"`
	ConversationID string    `json:"conversation_id,omitempty"`
	VectorIDs      []string  `json:"vector_ids,omitempty"`
}

// IsCSV reports whether the file can seed a data-science sandbox.
func (f FileMeta) IsCSV() bool {
	return f.MIME == "text/csv"
}

// SessionMeta mirrors the in-memory session table so reconnects can restore
// state after a process restart.
type SessionMeta struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	SocketEpoch    int64     `json:"socket_epoch"`
	ActiveRunID    string    `json:"active_run_id,omitempty"`
}

// Export status values. Transitions: none -> processing -> ready -> none.
const (
	ExportStatusNone       = "none"
	ExportStatusProcessing = "processing"
	ExportStatusReady      = "ready"
)

// ExportState tracks one user's export bundle.
type ExportState struct {
	Status      string    `json:"status"`
	Location    string    `json:"location,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ReadyAt     time.Time `json:"ready_at,omitempty"`
}
