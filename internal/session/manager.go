// Package session owns the live connection table: one session per
// (user, conversation), each with a single cooperative run, a FIFO outbound
// stream with dedup and replay, heartbeat tracking, and an idle sweeper.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/archive"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/datascience"
	"github.com/quarry-lab/conductor/internal/files"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/metrics"
	"github.com/quarry-lab/conductor/internal/planner"
	"github.com/quarry-lab/conductor/internal/sandbox"
	"github.com/quarry-lab/conductor/internal/store"
	"github.com/quarry-lab/conductor/internal/subgraph"
)

var (
	ErrBusy       = errors.New("session: request queue full")
	ErrNoRun      = errors.New("session: no run awaiting input")
	ErrNotPending = errors.New("session: run is not interrupted")
)

// Session is one live (user, conversation) attachment. The outbound channel
// is replaced on every reconnect and is never closed; consumers stop reading
// when their transport goes away.
type Session struct {
	UserID         string
	ConversationID string

	mu             sync.Mutex
	epoch          int64
	active         bool
	lastActive     time.Time
	disconnectedAt time.Time
	out            chan Frame
	ring           *ring
	usage          messages.Usage
	run            *activeRun
	pending        *Frame
	queue          []Request
}

type activeRun struct {
	requestID string
	runID     string
	query     string
	started   time.Time
	usage     messages.Usage
	ctx       context.Context
	cancel    context.CancelFunc
	run       *planner.Run
}

// Usage returns the session's cumulative token accounting.
func (s *Session) Usage() messages.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Info is the admin view of one session.
type Info struct {
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Active         bool           `json:"active"`
	LastActive     time.Time      `json:"last_active"`
	ActiveRunID    string         `json:"active_run_id,omitempty"`
	Usage          messages.Usage `json:"cumulative_usage"`
}

// Manager is the process-wide session table.
type Manager struct {
	cfg       *config.Config
	st        *store.Store
	files     *files.Service
	subgraphs *subgraph.Registry
	planner   *planner.Planner
	sandboxes *sandbox.Manager
	archive   *archive.Client
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg *config.Config, st *store.Store, fileSvc *files.Service, subgraphs *subgraph.Registry, pl *planner.Planner, sandboxes *sandbox.Manager, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		st:        st,
		files:     fileSvc,
		subgraphs: subgraphs,
		planner:   pl,
		sandboxes: sandboxes,
		logger:    logger,
		sessions:  make(map[string]*Session),
		stop:      make(chan struct{}),
	}
}

// WithArchive enables async run and message archival. A nil client keeps
// archival off.
func (m *Manager) WithArchive(a *archive.Client) *Manager {
	m.archive = a
	return m
}

// Start launches the idle sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweeper()
}

// Stop halts the sweeper and waits for in-flight runs to wind down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Connect attaches a client to its session, creating it if needed. The
// returned channel carries the outbound stream; replayed frames (the pending
// interrupt first, then everything after lastEventID) are already queued on
// it.
func (m *Manager) Connect(ctx context.Context, userID, conversationID, lastEventID string) (*Session, <-chan Frame, error) {
	key := userID + "/" + conversationID

	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		s = &Session{
			UserID:         userID,
			ConversationID: conversationID,
			ring:           newRing(m.cfg.Session.ReplayBufferSize),
		}
		m.sessions[key] = s
		metrics.SessionsCreated.Inc()
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.epoch++
	s.active = true
	s.lastActive = time.Now()
	s.disconnectedAt = time.Time{}

	replay := m.replayFrames(s, lastEventID)
	size := m.cfg.Session.EmitBufferSize
	if size <= 0 {
		size = 64
	}
	out := make(chan Frame, size+len(replay))
	for _, f := range replay {
		out <- f
	}
	s.out = out
	meta := m.metaLocked(s)
	s.mu.Unlock()

	if err := m.st.PutSessionMeta(ctx, meta, m.metaTTL()); err != nil {
		m.logger.Warn("session meta mirror failed", zap.Error(err))
	}
	m.logger.Info("session connected",
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.Int("replayed", len(replay)))
	return s, out, nil
}

// replayFrames is called with s.mu held.
func (m *Manager) replayFrames(s *Session, lastEventID string) []Frame {
	var replay []Frame
	if s.pending != nil {
		replay = append(replay, *s.pending)
	}
	for _, f := range s.ring.after(lastEventID) {
		if s.pending != nil && f.ID == s.pending.ID {
			continue
		}
		replay = append(replay, f)
	}
	return replay
}

// Disconnect marks the session inactive. Run state is retained for the
// resume grace window; the sweeper cancels it if no reconnect happens.
func (m *Manager) Disconnect(s *Session) {
	s.mu.Lock()
	s.active = false
	s.out = nil
	s.disconnectedAt = time.Now()
	s.mu.Unlock()
	m.logger.Info("session disconnected",
		zap.String("user_id", s.UserID),
		zap.String("conversation_id", s.ConversationID))
}

// Heartbeat refreshes the idle clock; called on client pings.
func (m *Manager) Heartbeat(ctx context.Context, s *Session) {
	s.mu.Lock()
	s.lastActive = time.Now()
	meta := m.metaLocked(s)
	s.mu.Unlock()
	if err := m.st.PutSessionMeta(ctx, meta, m.metaTTL()); err != nil {
		m.logger.Warn("session meta mirror failed", zap.Error(err))
	}
}

func (m *Manager) metaLocked(s *Session) store.SessionMeta {
	meta := store.SessionMeta{
		UserID:         s.UserID,
		ConversationID: s.ConversationID,
		LastActive:     s.lastActive,
		SocketEpoch:    s.epoch,
	}
	if s.run != nil {
		meta.ActiveRunID = s.run.runID
	}
	return meta
}

func (m *Manager) metaTTL() time.Duration {
	return m.cfg.Session.SessionTimeout + m.cfg.Session.RunResumeGrace
}

// Submit starts a run for the request, or queues it behind the active one.
func (m *Manager) Submit(ctx context.Context, s *Session, req Request) error {
	s.mu.Lock()
	s.lastActive = time.Now()
	if s.run != nil {
		max := m.cfg.Session.MaxQueuedRequests
		if max > 0 && len(s.queue) >= max {
			s.mu.Unlock()
			return ErrBusy
		}
		s.queue = append(s.queue, req)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	m.startRun(s, req)
	return nil
}

// Reply feeds the user's answer into the interrupted run.
func (m *Manager) Reply(ctx context.Context, s *Session, requestID, text string) error {
	s.mu.Lock()
	ar := s.run
	pending := s.pending
	if ar != nil && pending != nil {
		s.pending = nil
	}
	s.mu.Unlock()

	if ar == nil {
		return ErrNoRun
	}
	if pending == nil {
		return ErrNotPending
	}
	metrics.RunsResumed.Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := ar.run.Resume(ar.ctx, text)
		m.handleResult(s, ar, res, err)
	}()
	return nil
}

// Cancel aborts the active run. An empty requestID cancels whatever is
// running. A run paused on an interrupt has no goroutine to observe the
// cancellation, so its pending state is discarded here.
func (m *Manager) Cancel(s *Session, requestID string) {
	s.mu.Lock()
	ar := s.run
	paused := s.pending != nil
	s.mu.Unlock()
	if ar == nil {
		return
	}
	if requestID != "" && ar.requestID != requestID {
		return
	}
	ar.cancel()
	if paused {
		m.emitError(s, ar.requestID, "cancelled", errors.New("run cancelled"))
		metrics.RunsCompleted.WithLabelValues(planner.Name, "cancelled").Inc()
		m.archiveRun(ar, s, "cancelled", "", "", "run cancelled")
		m.finishRun(s, ar)
	}
}

// DestroyConversation tears the session down as part of a chat delete:
// cancels the run, cleans the sandbox, drops the mirror.
func (m *Manager) DestroyConversation(ctx context.Context, userID, conversationID string) {
	key := userID + "/" + conversationID
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		if s.run != nil {
			s.run.cancel()
		}
		s.active = false
		s.out = nil
		s.mu.Unlock()
	}
	m.sandboxes.Cleanup(ctx, userID, conversationID)
	if err := m.st.DeleteSessionMeta(ctx, userID, conversationID); err != nil {
		m.logger.Warn("session meta delete failed", zap.Error(err))
	}
}

// Snapshot lists all sessions for the admin surface.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		info := Info{
			UserID:         s.UserID,
			ConversationID: s.ConversationID,
			Active:         s.active,
			LastActive:     s.lastActive,
			Usage:          s.usage,
		}
		if s.run != nil {
			info.ActiveRunID = s.run.runID
		}
		s.mu.Unlock()
		out = append(out, info)
	}
	return out
}

func (m *Manager) startRun(s *Session, req Request) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		requestID: req.RequestID,
		runID:     uuid.New().String(),
		query:     req.Text,
		started:   time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.mu.Lock()
	s.run = ar
	s.pending = nil
	s.mu.Unlock()

	metrics.RunsStarted.WithLabelValues(planner.Name).Inc()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(ctx, s, ar, req)
	}()
}

func (m *Manager) runLoop(ctx context.Context, s *Session, ar *activeRun, req Request) {
	turn := m.prepare(ctx, s, req, ar.runID)

	run, err := m.planner.NewRun(turn.request, turn.catalogue, turn.system, func(ev graph.Event) {
		m.onEvent(s, ar, ev)
	})
	if err != nil {
		m.emitError(s, ar.requestID, "run_failed", err)
		m.archiveRun(ar, s, "error", "", "", err.Error())
		m.finishRun(s, ar)
		return
	}
	ar.run = run

	res, err := run.Invoke(ctx)
	m.handleResult(s, ar, res, err)
}

func (m *Manager) handleResult(s *Session, ar *activeRun, res *graph.Result, err error) {
	if err != nil {
		errType := "run_failed"
		if errors.Is(err, context.Canceled) {
			errType = "cancelled"
		}
		m.emitError(s, ar.requestID, errType, err)
		metrics.RunsCompleted.WithLabelValues(planner.Name, "error").Inc()
		status := "error"
		if errType == "cancelled" {
			status = "cancelled"
		}
		m.archiveRun(ar, s, status, "", "", err.Error())
		m.finishRun(s, ar)
		return
	}

	if res.Status == graph.StatusInterrupted {
		frame := Frame{
			Event:            EventInterrupt,
			RequestID:        ar.requestID,
			AgentType:        res.Interrupt.Payload.AgentType(),
			Content:          res.Interrupt.Payload.Content,
			AdditionalKwargs: res.Interrupt.Payload.Kwargs,
			ID:               res.Interrupt.Payload.ID,
		}
		s.mu.Lock()
		s.pending = &frame
		s.mu.Unlock()
		m.deliver(s, frame)
		return
	}

	agentType := planner.Name + "_end"
	var result string
	if final, ok := planner.Output(res.State); ok {
		result = final.Content
		if final.AgentType() != "" {
			agentType = final.AgentType()
		}
	}
	m.deliver(s, Frame{
		Event:           EventDone,
		RequestID:       ar.requestID,
		AgentType:       agentType,
		CumulativeUsage: m.usageSnapshot(s),
	})
	metrics.RunsCompleted.WithLabelValues(planner.Name, "completed").Inc()
	m.archiveRun(ar, s, "completed", strings.TrimSuffix(agentType, "_end"), result, "")
	m.finishRun(s, ar)
}

func (m *Manager) finishRun(s *Session, ar *activeRun) {
	ar.cancel()

	s.mu.Lock()
	if s.run == ar {
		s.run = nil
		s.pending = nil
	}
	var next *Request
	if s.run == nil && len(s.queue) > 0 {
		n := s.queue[0]
		s.queue = s.queue[1:]
		next = &n
	}
	s.mu.Unlock()

	if next != nil {
		m.startRun(s, *next)
	}
}

// turn is the per-request configuration handed to the planner.
type turn struct {
	request   subgraph.Request
	catalogue []*subgraph.Factory
	system    string
}

func (m *Manager) prepare(ctx context.Context, s *Session, req Request, runID string) turn {
	var (
		csvIDs   []string
		indexed  bool
		dirNames []string
	)
	for _, doc := range req.Docs {
		meta, err := m.files.GetMeta(ctx, s.UserID, doc.ID)
		if err != nil {
			m.logger.Warn("request references unknown file",
				zap.String("file_id", doc.ID), zap.Error(err))
			continue
		}
		dirNames = append(dirNames, meta.Filename)
		if meta.IsCSV() {
			csvIDs = append(csvIDs, meta.FileID)
		}
		if meta.Indexed {
			indexed = true
		}
	}

	history, err := m.st.ListMessages(ctx, s.UserID, s.ConversationID, "")
	if err != nil {
		m.logger.Warn("history load failed", zap.Error(err))
	}
	human := messages.NewHuman(req.Text)
	if err := m.st.PutMessage(ctx, s.UserID, s.ConversationID, human); err != nil {
		m.logger.Warn("request persist failed", zap.Error(err))
	}
	m.archiveMessage(s, human)

	return turn{
		request: subgraph.Request{
			RunID:            runID,
			UserID:           s.UserID,
			ConversationID:   s.ConversationID,
			Text:             req.Text,
			Provider:         req.Provider,
			FileIDs:          csvIDs,
			DirectoryContent: strings.Join(dirNames, "\n"),
			History:          history,
		},
		catalogue: m.catalogue(len(csvIDs) > 0),
		system:    m.systemPrompt(indexed, dirNames),
	}
}

// catalogue assembles the subgraphs the planner may route to. The
// data-science pipeline is advertised per the feature flag; "auto" requires
// a referenced CSV.
func (m *Manager) catalogue(hasCSV bool) []*subgraph.Factory {
	advertise := false
	switch m.cfg.Features.DataScience {
	case "on":
		advertise = true
	case "off":
		advertise = false
	default: // auto
		advertise = hasCSV
	}

	var names []string
	for _, name := range m.subgraphs.Names() {
		if name == datascience.SubgraphName && !advertise {
			continue
		}
		names = append(names, name)
	}
	return m.subgraphs.Catalogue(names)
}

func (m *Manager) systemPrompt(indexed bool, dirNames []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today's date is %s.\n", time.Now().Format("2006-01-02"))
	if indexed {
		b.WriteString("\nThe user has uploaded documents that are indexed for retrieval. Ground answers about their content in retrieved passages rather than memory.\n")
	}
	if len(dirNames) > 0 {
		b.WriteString("\nThe user's working directory contains these files:\n")
		for _, name := range dirNames {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	b.WriteString("\nWhen the request requires authoring or executing code, route it to a sandboxed workflow instead of writing code inline.")
	return b.String()
}

// onEvent converts a node commit into outbound frames. Interrupts are
// surfaced from the run result, not the event stream.
func (m *Manager) onEvent(s *Session, ar *activeRun, ev graph.Event) {
	for _, msg := range ev.Messages {
		fresh, err := m.st.IsMessageNew(context.Background(), s.UserID, s.ConversationID, msg.ID)
		if err != nil {
			m.logger.Warn("dedup gate failed", zap.Error(err))
		} else if !fresh {
			metrics.EventsDeduplicated.Inc()
			continue
		}

		usage := usageOf(msg)
		s.mu.Lock()
		s.usage.Add(usage)
		ar.usage.Add(usage)
		s.mu.Unlock()
		if usage.TotalTokens > 0 {
			metrics.SessionTokensTotal.Add(float64(usage.TotalTokens))
		}

		frame := frameFor(ar.requestID, msg)
		frame.CumulativeUsage = m.usageSnapshot(s)
		if frame.Event == EventMessage {
			if err := m.st.PutMessage(context.Background(), s.UserID, s.ConversationID, msg); err != nil {
				m.logger.Warn("message persist failed", zap.Error(err))
			}
			m.archiveMessage(s, msg)
		}
		m.deliver(s, frame)
	}
}

// frameFor classifies a message: errors are error frames, terminal agent
// output ("*_end") is user-visible, everything else streams as think.
func frameFor(requestID string, msg messages.Message) Frame {
	agentType := msg.AgentType()
	errType := msg.ErrorType()
	event := EventThink
	switch {
	case errType != "":
		event = EventError
	case strings.HasSuffix(agentType, "_end"):
		event = EventMessage
	}
	return Frame{
		Event:            event,
		RequestID:        requestID,
		AgentType:        agentType,
		Content:          msg.Content,
		AdditionalKwargs: msg.Kwargs,
		ID:               msg.ID,
		ErrorType:        errType,
	}
}

func (m *Manager) emitError(s *Session, requestID, errType string, err error) {
	m.logger.Error("run failed",
		zap.String("user_id", s.UserID),
		zap.String("conversation_id", s.ConversationID),
		zap.Error(err))
	m.deliver(s, Frame{
		Event:     EventError,
		RequestID: requestID,
		AgentType: planner.Name + "_end",
		Content:   err.Error(),
		ErrorType: errType,
		ID:        uuid.New().String(),
	})
}

// archiveRun records the finished run in the async archive. No-op without an
// archive client.
func (m *Manager) archiveRun(ar *activeRun, s *Session, status, subgraphName, result, errMsg string) {
	if m.archive == nil {
		return
	}
	if subgraphName == "" {
		subgraphName = planner.Name
	}

	s.mu.Lock()
	usage := ar.usage
	s.mu.Unlock()

	now := time.Now().UTC()
	durationMs := now.Sub(ar.started).Milliseconds()
	rec := &archive.RunRecord{
		RunID:            ar.runID,
		UserID:           s.UserID,
		ConversationID:   s.ConversationID,
		Subgraph:         subgraphName,
		Query:            ar.query,
		Status:           status,
		StartedAt:        ar.started,
		CompletedAt:      &now,
		DurationMs:       &durationMs,
		TotalTokens:      usage.TotalTokens,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if result != "" {
		rec.Result = &result
	}
	if errMsg != "" {
		rec.ErrorMessage = &errMsg
	}
	m.archive.QueueWrite(archive.WriteTypeRun, rec, nil)
}

func (m *Manager) archiveMessage(s *Session, msg messages.Message) {
	if m.archive == nil {
		return
	}
	m.archive.QueueWrite(archive.WriteTypeMessage, &archive.MessageRecord{
		MessageID:      msg.ID,
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		Role:           string(msg.Role),
		AgentType:      msg.AgentType(),
		Content:        msg.Content,
		Kwargs:         archive.JSONB(msg.Kwargs),
		CreatedAt:      time.Now().UTC(),
	}, nil)
}

func (m *Manager) usageSnapshot(s *Session) *messages.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage
	return &u
}

// deliver appends the frame to the replay buffer and pushes it to the live
// channel. A send blocked past the back-pressure window marks the session
// inactive; the ring retains the frame for replay.
func (m *Manager) deliver(s *Session, f Frame) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	s.ring.push(f)
	metrics.EventsEmitted.WithLabelValues(f.Event).Inc()

	s.mu.Lock()
	out := s.out
	active := s.active
	s.mu.Unlock()
	if !active || out == nil {
		return
	}

	timeout := m.cfg.Session.EmitBackpressureTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out <- f:
	case <-timer.C:
		metrics.EmitBackpressure.Inc()
		m.logger.Warn("emit back-pressure, marking session inactive",
			zap.String("user_id", s.UserID),
			zap.String("conversation_id", s.ConversationID))
		s.mu.Lock()
		s.active = false
		s.out = nil
		s.disconnectedAt = time.Now()
		s.mu.Unlock()
	}
}

func (m *Manager) sweeper() {
	defer m.wg.Done()
	interval := m.cfg.Session.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	grace := m.cfg.Session.RunResumeGrace
	timeout := m.cfg.Session.SessionTimeout

	m.mu.Lock()
	var expired []*Session
	for key, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActive) > timeout
		abandoned := !s.active && s.run != nil &&
			!s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) > grace
		if abandoned {
			s.run.cancel()
		}
		s.mu.Unlock()
		if idle {
			delete(m.sessions, key)
			expired = append(expired, s)
		}
	}
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, s := range expired {
		metrics.SessionsSwept.Inc()
		s.mu.Lock()
		if s.run != nil {
			s.run.cancel()
		}
		s.active = false
		s.out = nil
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.sandboxes.Cleanup(ctx, s.UserID, s.ConversationID)
		if err := m.st.DeleteSessionMeta(ctx, s.UserID, s.ConversationID); err != nil {
			m.logger.Warn("session meta delete failed", zap.Error(err))
		}
		cancel()
		m.logger.Info("session swept",
			zap.String("user_id", s.UserID),
			zap.String("conversation_id", s.ConversationID))
	}
}

// usageOf reads per-call usage off a message, whether written in process or
// decoded from JSON.
func usageOf(msg messages.Message) messages.Usage {
	switch v := msg.Kwargs[messages.KwargUsage].(type) {
	case messages.Usage:
		return v
	case map[string]interface{}:
		return messages.Usage{
			PromptTokens:     intOf(v["prompt_tokens"]),
			CompletionTokens: intOf(v["completion_tokens"]),
			TotalTokens:      intOf(v["total_tokens"]),
		}
	default:
		return messages.Usage{}
	}
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
