package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/metrics"
	"github.com/quarry-lab/conductor/internal/store"
)

// Result is the uniform shape every binding operation returns to the tool
// layer. Failures are results, not errors: the agent decides what to do with
// a diagnostic line.
type Result struct {
	OK      bool
	Payload string
}

func failure(format string, args ...interface{}) Result {
	return Result{OK: false, Payload: fmt.Sprintf(format, args...)}
}

// Binding ties one sandbox to one (user, conversation) pair. Operations
// serialize on the binding mutex to preserve the persistent working-directory
// illusion; bindings for distinct sessions run in parallel.
type Binding struct {
	client *Client
	store  *store.Store
	logger *zap.Logger

	userID         string
	conversationID string
	snapshot       string
	workDir        string
	codeTimeout    time.Duration
	maxResultLen   int

	mu        sync.Mutex
	sandboxID string
	fileIDs   []string
	seeded    map[string]bool
}

// Active reports whether a sandbox has been provisioned for this binding.
func (b *Binding) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sandboxID != ""
}

// Ensure lazily provisions the sandbox and uploads the seed files. It is
// idempotent: once bound, later calls return immediately.
func (b *Binding) Ensure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureLocked(ctx)
}

func (b *Binding) ensureLocked(ctx context.Context) error {
	if b.sandboxID != "" {
		return nil
	}

	id, err := b.client.CreateFromSnapshot(ctx, b.snapshot)
	if err != nil {
		return fmt.Errorf("create sandbox: %w", err)
	}

	for _, fileID := range b.fileIDs {
		if b.seeded[fileID] {
			continue
		}
		if err := b.uploadSeed(ctx, id, fileID); err != nil {
			// Half-seeded sandboxes are worse than none.
			if derr := b.client.Destroy(ctx, id); derr != nil {
				b.logger.Warn("Failed to destroy half-seeded sandbox",
					zap.String("sandbox_id", id), zap.Error(derr))
			}
			return fmt.Errorf("seed file %s: %w", fileID, err)
		}
		b.seeded[fileID] = true
	}

	b.sandboxID = id
	metrics.SandboxesActive.Inc()
	b.logger.Info("Sandbox bound",
		zap.String("sandbox_id", id),
		zap.String("user_id", b.userID),
		zap.String("conversation_id", b.conversationID),
		zap.Int("seed_files", len(b.fileIDs)),
	)
	return nil
}

func (b *Binding) uploadSeed(ctx context.Context, sandboxID, fileID string) error {
	meta, data, err := b.store.GetFile(ctx, b.userID, fileID)
	if err != nil {
		return err
	}
	return b.client.Upload(ctx, sandboxID, path.Join(b.workDir, meta.Filename), data)
}

// AddFiles registers more seed files on an existing binding. Files arriving
// after the sandbox is bound are uploaded immediately.
func (b *Binding) AddFiles(ctx context.Context, fileIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, fileID := range fileIDs {
		if b.seeded[fileID] {
			continue
		}
		if b.sandboxID == "" {
			b.fileIDs = append(b.fileIDs, fileID)
			continue
		}
		if err := b.uploadSeed(ctx, b.sandboxID, fileID); err != nil {
			return fmt.Errorf("upload file %s: %w", fileID, err)
		}
		b.fileIDs = append(b.fileIDs, fileID)
		b.seeded[fileID] = true
	}
	return nil
}

// Cleanup destroys the sandbox and resets the binding.
func (b *Binding) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sandboxID == "" {
		return nil
	}
	err := b.client.Destroy(ctx, b.sandboxID)
	b.dropLocked()
	return err
}

// dropLocked forgets the sandbox so the next operation re-provisions.
func (b *Binding) dropLocked() {
	if b.sandboxID == "" {
		return
	}
	b.sandboxID = ""
	b.seeded = make(map[string]bool)
	metrics.SandboxesActive.Dec()
}

// afterOp clears a binding whose sandbox disappeared underneath it so the
// next operation starts fresh.
func (b *Binding) afterOp(err error) {
	if errors.Is(err, ErrSandboxGone) {
		b.logger.Warn("Sandbox disappeared, dropping binding",
			zap.String("sandbox_id", b.sandboxID),
			zap.String("conversation_id", b.conversationID),
		)
		b.dropLocked()
	}
}

// ExecuteCode runs a Python cell. ok=false payloads carry either the user
// traceback or a one-line sandbox diagnostic.
func (b *Binding) ExecuteCode(ctx context.Context, code string, timeout time.Duration) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timeout <= 0 {
		timeout = b.codeTimeout
	}
	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	ok, output, err := b.client.ExecCode(ctx, b.sandboxID, code, timeout)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	return Result{OK: ok, Payload: b.shape(output)}
}

var pipPackagePattern = regexp.MustCompile(`^[A-Za-z0-9._\-\[\]=<>!~,]+$`)

// PipInstall installs packages into the bound sandbox.
func (b *Binding) PipInstall(ctx context.Context, packages []string) Result {
	if len(packages) == 0 {
		return failure("no packages requested")
	}
	for _, p := range packages {
		if !pipPackagePattern.MatchString(p) {
			return failure("invalid package name: %s", p)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	cmd := "pip install --quiet " + strings.Join(packages, " ")
	output, exitCode, err := b.client.Exec(ctx, b.sandboxID, cmd, b.codeTimeout)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if exitCode != 0 {
		return failure("pip install failed (exit %d): %s", exitCode, b.shape(output))
	}
	return Result{OK: true, Payload: "installed: " + strings.Join(packages, ", ")}
}

// ListFiles lists a directory.
func (b *Binding) ListFiles(ctx context.Context, dir string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir == "" {
		dir = b.workDir
	}
	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	entries, err := b.client.List(ctx, b.sandboxID, dir)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if len(entries) == 0 {
		return Result{OK: true, Payload: "(empty directory)"}
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
			continue
		}
		fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
	}
	return Result{OK: true, Payload: b.shape(strings.TrimRight(sb.String(), "\n"))}
}

// ReadFile returns file contents.
func (b *Binding) ReadFile(ctx context.Context, filePath string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	found, data, err := b.client.Read(ctx, b.sandboxID, filePath)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if !found {
		return failure("file not found: %s", filePath)
	}
	return Result{OK: true, Payload: b.shape(string(data))}
}

// WriteFile replaces a file's contents.
func (b *Binding) WriteFile(ctx context.Context, filePath, content string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	ok, err := b.client.Write(ctx, b.sandboxID, filePath, []byte(content))
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if !ok {
		return failure("cannot write to %s", filePath)
	}
	return Result{OK: true, Payload: fmt.Sprintf("wrote %d bytes to %s", len(content), filePath)}
}

// GetAllFilesRecursive lists every file under dir.
func (b *Binding) GetAllFilesRecursive(ctx context.Context, dir string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dir == "" {
		dir = b.workDir
	}
	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	output, exitCode, err := b.client.Exec(ctx, b.sandboxID,
		fmt.Sprintf("find %q -type f", dir), b.codeTimeout)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if exitCode != 0 {
		return failure("listing failed (exit %d): %s", exitCode, b.shape(output))
	}
	return Result{OK: true, Payload: b.shape(strings.TrimSpace(output))}
}

// Exec runs a shell command (git and friends).
func (b *Binding) Exec(ctx context.Context, cmd string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	output, exitCode, err := b.client.Exec(ctx, b.sandboxID, cmd, b.codeTimeout)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if exitCode != 0 {
		return Result{OK: false, Payload: b.shape(fmt.Sprintf("%s\n(exit status %d)", output, exitCode))}
	}
	return Result{OK: true, Payload: b.shape(output)}
}

// describeEncodings is the fixed list the profiler tries, in order.
var describeEncodings = []string{"utf-8", "latin-1", "cp1252", "utf-16"}

// DescribeData profiles a CSV: shape, columns, dtypes, null counts, head.
func (b *Binding) DescribeData(ctx context.Context, filePath string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLocked(ctx); err != nil {
		return failure("%s", diagnostic(err))
	}

	code := describeDataCode(filePath)
	ok, output, err := b.client.ExecCode(ctx, b.sandboxID, code, b.codeTimeout)
	if err != nil {
		b.afterOp(err)
		return failure("%s", diagnostic(err))
	}
	if !ok {
		return failure("could not profile %s: %s", filePath, firstLine(output))
	}
	if strings.Contains(output, "DESCRIBE_FAILED") {
		return failure("could not decode %s with encodings %s", filePath, strings.Join(describeEncodings, ", "))
	}
	return Result{OK: true, Payload: b.shape(output)}
}

// describeDataCode renders the canned profiler cell.
func describeDataCode(filePath string) string {
	encodings := `"` + strings.Join(describeEncodings, `", "`) + `"`
	return fmt.Sprintf(`import pandas as pd

df = None
used = None
for enc in [%s]:
    try:
        df = pd.read_csv(%q, encoding=enc)
        used = enc
        break
    except (UnicodeDecodeError, UnicodeError):
        continue

if df is None:
    print("DESCRIBE_FAILED")
else:
    print(f"encoding: {used}")
    print(f"shape: {df.shape[0]} rows x {df.shape[1]} columns")
    print("columns:")
    for col in df.columns:
        print(f"  {col}: dtype={df[col].dtype}, nulls={int(df[col].isna().sum())}")
    print("head:")
    print(df.head().to_string())
`, encodings, filePath)
}

// shape truncates payloads with a head+tail policy so long outputs still show
// both the beginning and the end.
func (b *Binding) shape(s string) string {
	return TruncateHeadTail(s, b.maxResultLen)
}

// TruncateHeadTail keeps the first half and last half of an over-long string
// and notes the original length in the seam.
func TruncateHeadTail(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	head := max / 2
	tail := max - head
	return string(runes[:head]) +
		fmt.Sprintf("\n... [truncated, original length %d chars] ...\n", len(runes)) +
		string(runes[len(runes)-tail:])
}

// diagnostic renders a sandbox failure as the one-liner agents see.
func diagnostic(err error) string {
	switch {
	case errors.Is(err, ErrUnavailable):
		return "sandbox unavailable"
	case errors.Is(err, ErrTimeout):
		return "sandbox operation timed out"
	case errors.Is(err, ErrQuotaExceeded):
		return "sandbox quota exceeded"
	case errors.Is(err, ErrSandboxGone):
		return "sandbox was lost"
	case errors.Is(err, context.Canceled):
		return "operation cancelled"
	default:
		return "sandbox error: " + firstLine(err.Error())
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Manager hands out bindings keyed by (user, conversation). Creation is
// protected by the map lock; the binding itself is cheap until first use.
type Manager struct {
	client *Client
	store  *store.Store
	cfg    config.SandboxConfig
	logger *zap.Logger

	mu       sync.Mutex
	bindings map[string]*Binding
}

// NewManager creates the binding manager.
func NewManager(client *Client, st *store.Store, cfg config.SandboxConfig, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		store:    st,
		cfg:      cfg,
		logger:   logger,
		bindings: make(map[string]*Binding),
	}
}

func bindingKey(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// Binding returns the session's binding, creating it on first request.
// Concurrent requests in one session share one sandbox.
func (m *Manager) Binding(userID, conversationID string, fileIDs []string) *Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey(userID, conversationID)
	if b, ok := m.bindings[key]; ok {
		return b
	}

	b := &Binding{
		client:         m.client,
		store:          m.store,
		logger:         m.logger,
		userID:         userID,
		conversationID: conversationID,
		snapshot:       m.cfg.Snapshot,
		workDir:        m.cfg.WorkDir,
		codeTimeout:    m.cfg.DefaultCodeTimeout,
		maxResultLen:   m.cfg.MaxResultLength,
		fileIDs:        append([]string(nil), fileIDs...),
		seeded:         make(map[string]bool),
	}
	m.bindings[key] = b
	return b
}

// Lookup returns the binding if one exists.
func (m *Manager) Lookup(userID, conversationID string) (*Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[bindingKey(userID, conversationID)]
	return b, ok
}

// Cleanup destroys and forgets the session's binding.
func (m *Manager) Cleanup(ctx context.Context, userID, conversationID string) {
	m.mu.Lock()
	key := bindingKey(userID, conversationID)
	b, ok := m.bindings[key]
	delete(m.bindings, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := b.Cleanup(ctx); err != nil {
		m.logger.Warn("Failed to clean up sandbox",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// CleanupAll tears down every binding; used at shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	bindings := make([]*Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		bindings = append(bindings, b)
	}
	m.bindings = make(map[string]*Binding)
	m.mu.Unlock()

	for _, b := range bindings {
		if err := b.Cleanup(ctx); err != nil {
			m.logger.Warn("Failed to clean up sandbox during shutdown", zap.Error(err))
		}
	}
}

// Count reports how many bindings exist (bound or lazy).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings)
}
