package archive

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column.
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface.
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// RunRecord is the durable trace of one graph run. Redis holds the live
// session; this table is what survives its TTLs.
type RunRecord struct {
	ID             uuid.UUID  `db:"id"`
	RunID          string     `db:"run_id"`
	UserID         string     `db:"user_id"`
	ConversationID string     `db:"conversation_id"`
	Subgraph       string     `db:"subgraph"`
	Query          string     `db:"query"`
	Status         string     `db:"status"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`

	Result       *string `db:"result"`
	ErrorMessage *string `db:"error_message"`

	TotalTokens      int    `db:"total_tokens"`
	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	DurationMs       *int64 `db:"duration_ms"`

	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// Run statuses as written to the archive.
const (
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusCancelled   = "cancelled"
	RunStatusInterrupted = "interrupted"
)

// MessageRecord archives one conversation message.
type MessageRecord struct {
	ID             uuid.UUID `db:"id"`
	MessageID      string    `db:"message_id"`
	ConversationID string    `db:"conversation_id"`
	UserID         string    `db:"user_id"`
	Role           string    `db:"role"`
	AgentType      string    `db:"agent_type"`
	Content        string    `db:"content"`
	Kwargs         JSONB     `db:"kwargs"`
	CreatedAt      time.Time `db:"created_at"`
}

// ToolCallRecord archives one tool invocation made during a run.
type ToolCallRecord struct {
	ID        uuid.UUID `db:"id"`
	RunID     string    `db:"run_id"`
	AgentType string    `db:"agent_type"`
	ToolName  string    `db:"tool_name"`
	Args      JSONB     `db:"args"`
	Output    string    `db:"output"`
	Success   bool      `db:"success"`
	Error     string    `db:"error"`

	DurationMs int64     `db:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"`
}

// RunFilter narrows ListRuns for the admin surface.
type RunFilter struct {
	UserID         string
	ConversationID string
	Subgraph       string
	Status         string
	Since          *time.Time
	Limit          int
	Offset         int
}
