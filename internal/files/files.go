// Package files is the upload/download surface for user artifacts. It
// enforces the MIME whitelist, persists bytes through the KV store, kicks off
// background indexing for PDFs, and scopes shared-link access to one
// conversation.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/store"
)

var (
	ErrUnsupportedType = errors.New("files: unsupported content type")
	ErrTooLarge        = errors.New("files: upload exceeds size limit")
	ErrForbidden       = errors.New("files: not accessible through this link")
)

// defaultWhitelist is used when config does not override AllowedMIME.
var defaultWhitelist = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/markdown",
	"text/plain",
	"text/csv",
	"text/html",
}

const indexTimeout = 2 * time.Minute

// Indexer receives extracted document chunks and returns the vector ids it
// stored, so deletion can remove them later. A nil Indexer disables indexing
// entirely.
type Indexer interface {
	Index(ctx context.Context, userID string, meta store.FileMeta, chunks []string) ([]string, error)
	Remove(ctx context.Context, userID string, vectorIDs []string) error
}

// Service owns file uploads and their lifecycle.
type Service struct {
	cfg     config.FilesConfig
	st      *store.Store
	indexer Indexer
	tokens  *auth.Tokens
	logger  *zap.Logger

	allowed map[string]bool
	wg      sync.WaitGroup
}

func New(cfg config.FilesConfig, st *store.Store, indexer Indexer, tokens *auth.Tokens, logger *zap.Logger) *Service {
	whitelist := cfg.AllowedMIME
	if len(whitelist) == 0 {
		whitelist = defaultWhitelist
	}
	allowed := make(map[string]bool, len(whitelist))
	for _, m := range whitelist {
		allowed[m] = true
	}
	return &Service{
		cfg:     cfg,
		st:      st,
		indexer: indexer,
		tokens:  tokens,
		logger:  logger,
		allowed: allowed,
	}
}

// Close waits for in-flight background indexing to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// Allowed reports whether a content type passes the whitelist. Parameters
// after the media type (charset etc.) are ignored.
func (s *Service) Allowed(mime string) bool {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return s.allowed[strings.ToLower(strings.TrimSpace(mime))]
}

// Upload stores a new file and, for PDFs, schedules background indexing.
func (s *Service) Upload(ctx context.Context, userID, conversationID, filename, mime string, r io.Reader) (store.FileMeta, error) {
	if !s.Allowed(mime) {
		return store.FileMeta{}, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}

	limit := s.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = 25 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return store.FileMeta{}, fmt.Errorf("files: read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return store.FileMeta{}, ErrTooLarge
	}

	meta := store.FileMeta{
		FileID:         uuid.New().String(),
		Filename:       filename,
		MIME:           normalizeMIME(mime),
		Size:           int64(len(data)),
		UploadedAt:     time.Now().UTC(),
		Source:         "upload",
		ConversationID: conversationID,
	}
	if err := s.st.PutFile(ctx, userID, meta, data); err != nil {
		return store.FileMeta{}, err
	}

	if meta.MIME == "application/pdf" && s.indexer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.indexPDF(userID, meta, data)
		}()
	}

	s.logger.Info("file uploaded",
		zap.String("user_id", userID),
		zap.String("file_id", meta.FileID),
		zap.String("mime", meta.MIME),
		zap.Int64("size", meta.Size))
	return meta, nil
}

func (s *Service) Get(ctx context.Context, userID, fileID string) (store.FileMeta, []byte, error) {
	return s.st.GetFile(ctx, userID, fileID)
}

func (s *Service) GetMeta(ctx context.Context, userID, fileID string) (store.FileMeta, error) {
	return s.st.GetFileMeta(ctx, userID, fileID)
}

func (s *Service) List(ctx context.Context, userID string) ([]store.FileMeta, error) {
	return s.st.ListUserFiles(ctx, userID)
}

func (s *Service) ListConversation(ctx context.Context, userID, conversationID string) ([]store.FileMeta, error) {
	return s.st.ListConversationFiles(ctx, userID, conversationID)
}

// GetShared resolves a file through a share token. The token scopes access
// to files referenced by the shared conversation; anything else is refused.
func (s *Service) GetShared(ctx context.Context, token, fileID string) (store.FileMeta, []byte, error) {
	claims, err := s.tokens.Validate(token, auth.PurposeShare)
	if err != nil {
		return store.FileMeta{}, nil, err
	}
	meta, data, err := s.st.GetFile(ctx, claims.UserID, fileID)
	if err != nil {
		return store.FileMeta{}, nil, err
	}
	if meta.ConversationID != claims.ConversationID {
		return store.FileMeta{}, nil, ErrForbidden
	}
	return meta, data, nil
}

// Delete removes one file and any vector index entries it produced.
func (s *Service) Delete(ctx context.Context, userID, fileID string) error {
	meta, err := s.st.GetFileMeta(ctx, userID, fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(meta.VectorIDs) > 0 && s.indexer != nil {
		if err := s.indexer.Remove(ctx, userID, meta.VectorIDs); err != nil {
			s.logger.Warn("vector index cleanup failed",
				zap.String("file_id", fileID), zap.Error(err))
		}
	}
	return s.st.DeleteFile(ctx, userID, fileID)
}

// DeleteConversationFiles removes every file attached to a conversation,
// indexes included. Callers handle the rest of the chat-delete cascade
// (messages, session cancellation).
func (s *Service) DeleteConversationFiles(ctx context.Context, userID, conversationID string) error {
	metas, err := s.st.ListConversationFiles(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, meta := range metas {
		if err := s.Delete(ctx, userID, meta.FileID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func normalizeMIME(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}
