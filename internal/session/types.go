package session

import (
	"sync"

	"github.com/quarry-lab/conductor/internal/messages"
)

// Frame is one outbound event on a session's stream. The shape matches the
// socket protocol: think/message/interrupt/error/done/pong, all carrying the
// request they belong to.
type Frame struct {
	Event            string          `json:"event"`
	RequestID        string          `json:"request_id,omitempty"`
	AgentType        string          `json:"agent_type,omitempty"`
	Content          string          `json:"content,omitempty"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs,omitempty"`
	ID               string          `json:"id,omitempty"`
	ErrorType        string          `json:"error_type,omitempty"`
	CumulativeUsage  *messages.Usage `json:"cumulative_usage_metadata,omitempty"`
}

// Frame event names.
const (
	EventThink     = "think"
	EventMessage   = "message"
	EventInterrupt = "interrupt"
	EventError     = "error"
	EventDone      = "done"
	EventPong      = "pong"
)

// DocRef is a client-side file reference on a request. The store's meta is
// authoritative; these fields are hints for display only.
type DocRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Indexed  bool   `json:"indexed"`
}

// Request is one inbound user turn.
type Request struct {
	RequestID string   `json:"request_id"`
	Text      string   `json:"text"`
	Docs      []DocRef `json:"doc_ids"`
	Provider  string   `json:"provider"`
}

// ring is a bounded replay buffer of recent frames, for reconnects.
type ring struct {
	mu     sync.Mutex
	frames []Frame
	cap    int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &ring{cap: capacity}
}

func (r *ring) push(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	if len(r.frames) > r.cap {
		r.frames = r.frames[len(r.frames)-r.cap:]
	}
}

// after returns the retained frames emitted after the frame with the given
// id. An empty or unknown id returns everything retained.
func (r *ring) after(lastEventID string) []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if lastEventID != "" {
		for i, f := range r.frames {
			if f.ID == lastEventID {
				start = i + 1
				break
			}
		}
	}
	out := make([]Frame, len(r.frames)-start)
	copy(out, r.frames[start:])
	return out
}
