// Package export builds on-demand data bundles: every conversation a user
// owns, rendered as markdown and HTML, plus their uploaded files, zipped and
// held for a retention window. Bundles are fetched with short-lived signed
// download tokens.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/store"
)

var (
	ErrNotReady   = errors.New("export: no bundle ready")
	ErrInProgress = errors.New("export: already processing")
)

const buildTimeout = 5 * time.Minute

// Service owns the export lifecycle for all users. One bundle per user at a
// time; a new request while processing is rejected.
type Service struct {
	cfg    config.ExportConfig
	st     *store.Store
	tokens *auth.Tokens
	dir    string
	logger *zap.Logger

	wg sync.WaitGroup
}

func New(cfg config.ExportConfig, st *store.Store, tokens *auth.Tokens, dir string, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, st: st, tokens: tokens, dir: dir, logger: logger}
}

// Close waits for in-flight bundle builds.
func (s *Service) Close() {
	s.wg.Wait()
}

// Status reports the user's current export state.
func (s *Service) Status(ctx context.Context, userID string) (store.ExportState, error) {
	return s.st.GetExportState(ctx, userID)
}

// Request starts an asynchronous bundle build. The returned state is
// already "processing".
func (s *Service) Request(ctx context.Context, userID string) (store.ExportState, error) {
	current, err := s.st.GetExportState(ctx, userID)
	if err != nil {
		return store.ExportState{}, err
	}
	if current.Status == store.ExportStatusProcessing {
		return current, ErrInProgress
	}

	state := store.ExportState{
		Status:      store.ExportStatusProcessing,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.st.SetExportState(ctx, userID, state, 0); err != nil {
		return store.ExportState{}, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.build(userID)
	}()
	return state, nil
}

// DownloadToken mints a signed link for a ready bundle.
func (s *Service) DownloadToken(ctx context.Context, userID string) (string, error) {
	state, err := s.st.GetExportState(ctx, userID)
	if err != nil {
		return "", err
	}
	if state.Status != store.ExportStatusReady || state.Location == "" {
		return "", ErrNotReady
	}
	return s.tokens.MintExport(userID, filepath.Base(state.Location))
}

// Resolve validates a download token and returns the bundle path to serve.
func (s *Service) Resolve(ctx context.Context, token string) (string, error) {
	claims, err := s.tokens.Validate(token, auth.PurposeExport)
	if err != nil {
		return "", err
	}
	state, err := s.st.GetExportState(ctx, claims.UserID)
	if err != nil {
		return "", err
	}
	if state.Status != store.ExportStatusReady || filepath.Base(state.Location) != claims.ExportID {
		return "", ErrNotReady
	}
	return state.Location, nil
}

// Clear drops the user's export state and removes the bundle from disk.
func (s *Service) Clear(ctx context.Context, userID string) error {
	state, err := s.st.GetExportState(ctx, userID)
	if err != nil {
		return err
	}
	if state.Location != "" {
		_ = os.Remove(state.Location)
	}
	return s.st.ClearExport(ctx, userID)
}

func (s *Service) build(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	path, err := s.writeBundle(ctx, userID)
	if err != nil {
		s.logger.Error("export build failed",
			zap.String("user_id", userID), zap.Error(err))
		_ = s.st.ClearExport(ctx, userID)
		return
	}

	ttl := s.cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	state := store.ExportState{
		Status:   store.ExportStatusReady,
		Location: path,
		ReadyAt:  time.Now().UTC(),
	}
	if err := s.st.SetExportState(ctx, userID, state, ttl); err != nil {
		s.logger.Error("export state update failed",
			zap.String("user_id", userID), zap.Error(err))
		_ = os.Remove(path)
		return
	}
	// The state key expires with the TTL; the zip needs its own reaper.
	time.AfterFunc(ttl, func() { _ = os.Remove(path) })

	s.logger.Info("export bundle ready",
		zap.String("user_id", userID), zap.String("path", path))
}

func (s *Service) writeBundle(ctx context.Context, userID string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: bundle dir: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("export-%s-%s.zip", userID, uuid.New().String()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: create bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	if err := s.fill(ctx, zw, userID); err != nil {
		zw.Close()
		os.Remove(path)
		return "", err
	}
	if err := zw.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("export: finalize zip: %w", err)
	}
	return path, nil
}

func (s *Service) fill(ctx context.Context, zw *zip.Writer, userID string) error {
	convs, err := s.st.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		msgs, err := s.st.ListMessages(ctx, userID, conv, "")
		if err != nil {
			return err
		}
		md := renderMarkdown(conv, msgs)
		if err := addEntry(zw, filepath.Join("conversations", conv, "transcript.md"), []byte(md)); err != nil {
			return err
		}
		html, err := renderHTML(md)
		if err != nil {
			return err
		}
		if err := addEntry(zw, filepath.Join("conversations", conv, "transcript.html"), html); err != nil {
			return err
		}
	}

	metas, err := s.st.ListUserFiles(ctx, userID)
	if err != nil {
		return err
	}
	for _, meta := range metas {
		_, data, err := s.st.GetFile(ctx, userID, meta.FileID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		name := filepath.Join("files", meta.FileID, meta.Filename)
		if err := addEntry(zw, name, data); err != nil {
			return err
		}
		blob, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		if err := addEntry(zw, filepath.Join("files", meta.FileID, "meta.json"), blob); err != nil {
			return err
		}
	}
	return nil
}

func addEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("export: zip entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("export: zip entry %s: %w", name, err)
	}
	return nil
}
