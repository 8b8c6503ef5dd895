package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Engine failure classes.
var (
	// ErrUnknownNode means a router or command named a node that does not
	// exist; fatal for the run.
	ErrUnknownNode = errors.New("graph: unknown node")
	// ErrNoSnapshot means Resume found nothing paused under the run id.
	ErrNoSnapshot = errors.New("graph: no interrupt snapshot")
)

// maxSteps bounds any single run; a graph that executes this many nodes is
// looping.
const maxSteps = 256

// SnapshotStore persists paused runs. *store.Store satisfies it.
type SnapshotStore interface {
	PutRunInterrupt(ctx context.Context, runID string, snapshot []byte, ttl time.Duration) error
	GetRunInterrupt(ctx context.Context, runID string) ([]byte, error)
	DeleteRunInterrupt(ctx context.Context, runID string) error
}

// Status is a finished invocation's disposition.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
)

// Event is emitted after each node commits. Messages carries the node's
// frontend stream (the "messages" field of its update), which may be empty.
type Event struct {
	Node      string
	Messages  []messages.Message
	Interrupt *Interrupt
}

// Options tunes one invocation.
type Options struct {
	// RunID keys the interrupt snapshot; required when the graph can
	// interrupt.
	RunID string
	// OnEvent observes node commits in execution order. Called from the run
	// goroutine; it must not block indefinitely.
	OnEvent func(Event)
	// NodeTimeout bounds each node execution. Zero means no bound.
	NodeTimeout time.Duration
	// SnapshotTTL bounds how long a paused run stays resumable.
	SnapshotTTL time.Duration
}

// Result is a finished invocation.
type Result struct {
	Status    Status
	State     *State
	Interrupt *Interrupt // pending payload when Status is interrupted
}

// Runnable executes a compiled graph. One Runnable serves many concurrent
// runs; per-run state lives in Invoke.
type Runnable struct {
	graph     *StateGraph
	snapshots SnapshotStore
	logger    *zap.Logger
}

// WithSnapshots attaches the interrupt snapshot store.
func (r *Runnable) WithSnapshots(s SnapshotStore) *Runnable {
	r.snapshots = s
	return r
}

// WithLogger attaches a logger.
func (r *Runnable) WithLogger(l *zap.Logger) *Runnable {
	r.logger = l
	return r
}

// Name returns the graph name.
func (r *Runnable) Name() string { return r.graph.name }

// Schema returns the graph's state schema.
func (r *Runnable) Schema() Schema { return r.graph.schema }

// Invoke runs the graph from its entry point over the initial update.
func (r *Runnable) Invoke(ctx context.Context, initial map[string]any, opts Options) (*Result, error) {
	state := NewState(r.graph.schema)
	if err := state.Apply(initial); err != nil {
		return nil, err
	}
	return r.run(ctx, state, r.graph.entry, opts)
}

// Resume loads the paused snapshot for runID, injects the user's input as the
// interrupt's return value, and continues from the paused node.
func (r *Runnable) Resume(ctx context.Context, runID, userInput string, opts Options) (*Result, error) {
	if r.snapshots == nil {
		return nil, ErrNoSnapshot
	}
	data, err := r.snapshots.GetRunInterrupt(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, runID)
	}
	state, snap, err := decodeState(r.graph.schema, data)
	if err != nil {
		return nil, err
	}
	if _, ok := r.graph.nodes[snap.PausedAt]; !ok {
		return nil, fmt.Errorf("%w: paused at %q", ErrUnknownNode, snap.PausedAt)
	}

	state.resume = &userInput
	if err := r.snapshots.DeleteRunInterrupt(ctx, runID); err != nil {
		r.log().Warn("Failed to delete interrupt snapshot",
			zap.String("run_id", runID), zap.Error(err))
	}
	metrics.RunsResumed.Inc()

	opts.RunID = runID
	return r.run(ctx, state, snap.PausedAt, opts)
}

// PendingInterrupt returns the paused payload for a run, if any. The session
// layer replays it after reconnect.
func (r *Runnable) PendingInterrupt(ctx context.Context, runID string) (*Interrupt, bool) {
	if r.snapshots == nil {
		return nil, false
	}
	data, err := r.snapshots.GetRunInterrupt(ctx, runID)
	if err != nil {
		return nil, false
	}
	_, snap, err := decodeState(r.graph.schema, data)
	if err != nil {
		return nil, false
	}
	return &Interrupt{Payload: snap.Payload}, true
}

func (r *Runnable) run(ctx context.Context, state *State, current string, opts Options) (*Result, error) {
	for steps := 0; ; steps++ {
		if current == End {
			return &Result{Status: StatusCompleted, State: state}, nil
		}
		if steps >= maxSteps {
			return nil, fmt.Errorf("graph %s: exceeded %d steps at node %q", r.graph.name, maxSteps, current)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fn, ok := r.graph.nodes[current]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, current)
		}

		res, err := r.execNode(ctx, fn, current, state, opts.NodeTimeout)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", current, err)
		}

		if res.Interrupt != nil {
			if err := r.persistInterrupt(ctx, opts, current, state, res.Interrupt); err != nil {
				return nil, err
			}
			r.emit(opts, Event{Node: current, Interrupt: res.Interrupt})
			metrics.RunsInterrupted.Inc()
			return &Result{Status: StatusInterrupted, State: state, Interrupt: res.Interrupt}, nil
		}

		update := res.Update
		if res.Command != nil && res.Command.Update != nil {
			update = res.Command.Update
		}
		if update != nil {
			if err := state.Apply(update); err != nil {
				return nil, fmt.Errorf("node %s: %w", current, err)
			}
		}

		r.emit(opts, Event{Node: current, Messages: updateMessages(update)})

		next, err := r.next(current, res, state)
		if err != nil {
			return nil, err
		}
		current = next
	}
}

// execNode runs one node under the per-node timeout, converting panics into
// errors so a bad reducer or node kills the run, not the process.
func (r *Runnable) execNode(ctx context.Context, fn NodeFunc, name string, state *State, timeout time.Duration) (res NodeResult, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	start := time.Now()
	res, err = fn(ctx, state)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordNodeExecution(r.graph.name, name, status, time.Since(start).Seconds())
	return res, err
}

func (r *Runnable) persistInterrupt(ctx context.Context, opts Options, node string, state *State, intr *Interrupt) error {
	if r.snapshots == nil || opts.RunID == "" {
		return fmt.Errorf("graph %s: node %s interrupted without a snapshot store", r.graph.name, node)
	}
	data, err := state.encode(node, intr.Payload)
	if err != nil {
		return err
	}
	ttl := opts.SnapshotTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return r.snapshots.PutRunInterrupt(ctx, opts.RunID, data, ttl)
}

// next resolves the successor: an explicit Command wins, then conditional
// edges on committed state, then the static edge.
func (r *Runnable) next(current string, res NodeResult, state *State) (string, error) {
	var next string
	switch {
	case res.Command != nil:
		next = res.Command.Goto
	default:
		if router, ok := r.graph.conditionals[current]; ok {
			next = router(state)
		} else {
			next = r.graph.edges[current]
		}
	}
	if next == End {
		return End, nil
	}
	if _, ok := r.graph.nodes[next]; !ok {
		return "", fmt.Errorf("%w: %q (after %s)", ErrUnknownNode, next, current)
	}
	return next, nil
}

func (r *Runnable) emit(opts Options, ev Event) {
	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
}

func (r *Runnable) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.NewNop()
}

func updateMessages(update map[string]any) []messages.Message {
	if update == nil {
		return nil
	}
	return asMessages(update[FieldMessages])
}
