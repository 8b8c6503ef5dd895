package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/messages"
)

// Store is the typed adapter over the durable KV service. All keys are
// user-scoped; see the key builders below for the layout.
type Store struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// New creates a store over an established Redis client.
func New(rdb redis.UniversalClient, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, logger: logger}
}

// Ping verifies connectivity; used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func messageKey(user, conv, msgID string) string {
	return fmt.Sprintf("message:%s:%s:%s", user, conv, msgID)
}

func messageIndexKey(user, conv string) string {
	return fmt.Sprintf("messages:%s:%s", user, conv)
}

func messageSeenKey(user, conv, msgID string) string {
	return fmt.Sprintf("seen:%s:%s:%s", user, conv, msgID)
}

func fileKey(user, fileID string) string {
	return fmt.Sprintf("file:%s:%s", user, fileID)
}

func fileIndexKey(user string) string {
	return fmt.Sprintf("files:%s", user)
}

func convFilesKey(user, conv string) string {
	return fmt.Sprintf("convfiles:%s:%s", user, conv)
}

func sessionKey(user, conv string) string {
	return fmt.Sprintf("session:%s:%s", user, conv)
}

func runKey(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}

func exportKey(user string) string {
	return fmt.Sprintf("export:%s", user)
}

// seenTTL bounds dedup markers; reconnect dedup only matters within a
// conversation's active window.
const seenTTL = 24 * time.Hour

// withRetry runs fn with the transient-error retry schedule: 3 retries at
// 100ms, 400ms, 1.6s plus jitter. Permanent errors and context cancellation
// return immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			base := 100 * time.Millisecond << (2 * n) // 100ms, 400ms, 1.6s
			jitter := time.Duration(rand.Int63n(int64(base) / 2))
			return base + jitter
		}),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Retrying store operation",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

// IsTransient classifies errors the caller may retry: network timeouts,
// dropped connections, and Redis load shedding. Missing keys and conflicts
// are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "pool timeout", "LOADING"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// PutMessage persists one message and appends it to the conversation index.
// Writes are idempotent on message id.
func (s *Store) PutMessage(ctx context.Context, user, conv string, m messages.Message) error {
	if m.ID == "" {
		return fmt.Errorf("store: message id required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.withRetry(ctx, "put_message", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, messageKey(user, conv, m.ID), data, 0)
		pipe.ZAddNX(ctx, messageIndexKey(user, conv), redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: m.ID,
		})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListMessages returns the conversation's messages in append order. When
// after is non-empty, only messages recorded after that id are returned.
func (s *Store) ListMessages(ctx context.Context, user, conv, after string) ([]messages.Message, error) {
	var ids []string
	err := s.withRetry(ctx, "list_messages", func() error {
		var err error
		ids, err = s.rdb.ZRange(ctx, messageIndexKey(user, conv), 0, -1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	if after != "" {
		cut := -1
		for i, id := range ids {
			if id == after {
				cut = i
				break
			}
		}
		if cut >= 0 {
			ids = ids[cut+1:]
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(user, conv, id)
	}
	var raw []interface{}
	err = s.withRetry(ctx, "list_messages", func() error {
		var err error
		raw, err = s.rdb.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]messages.Message, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a body; skip
		}
		var m messages.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			s.logger.Warn("Skipping undecodable message",
				zap.String("message_id", ids[i]),
				zap.Error(err),
			)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListConversations returns the ids of every conversation the user has
// messages in, sorted for stable output.
func (s *Store) ListConversations(ctx context.Context, user string) ([]string, error) {
	prefix := fmt.Sprintf("messages:%s:", user)
	var convs []string
	err := s.withRetry(ctx, "list_conversations", func() error {
		convs = convs[:0]
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			convs = append(convs, strings.TrimPrefix(iter.Val(), prefix))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(convs)
	return convs, nil
}

// DeleteConversationMessages removes a conversation's messages and its index.
// File cleanup is the caller's job.
func (s *Store) DeleteConversationMessages(ctx context.Context, user, conv string) error {
	var ids []string
	err := s.withRetry(ctx, "list_conversation_ids", func() error {
		var err error
		ids, err = s.rdb.ZRange(ctx, messageIndexKey(user, conv), 0, -1).Result()
		return err
	})
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "delete_conversation", func() error {
		pipe := s.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, messageKey(user, conv, id))
			pipe.Del(ctx, messageSeenKey(user, conv, id))
		}
		pipe.Del(ctx, messageIndexKey(user, conv))
		_, err := pipe.Exec(ctx)
		return err
	})
}

// IsMessageNew atomically marks a message id as seen for the conversation and
// reports whether this call was the first. It is the canonical dedup gate for
// client fan-out.
func (s *Store) IsMessageNew(ctx context.Context, user, conv, msgID string) (bool, error) {
	var fresh bool
	err := s.withRetry(ctx, "is_message_new", func() error {
		var err error
		fresh, err = s.rdb.SetNX(ctx, messageSeenKey(user, conv, msgID), 1, seenTTL).Result()
		return err
	})
	return fresh, err
}

// fileRecord is the stored envelope for file meta plus bytes.
type fileRecord struct {
	Meta FileMeta `json:"meta"`
	Data []byte   `json:"data"`
}

// PutFile persists file bytes and meta and registers the file in the user and
// conversation indexes.
func (s *Store) PutFile(ctx context.Context, user string, meta FileMeta, data []byte) error {
	if meta.FileID == "" {
		return fmt.Errorf("store: file id required")
	}
	meta.Size = int64(len(data))
	blob, err := json.Marshal(fileRecord{Meta: meta, Data: data})
	if err != nil {
		return fmt.Errorf("marshal file record: %w", err)
	}

	return s.withRetry(ctx, "put_file", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, fileKey(user, meta.FileID), blob, 0)
		pipe.SAdd(ctx, fileIndexKey(user), meta.FileID)
		if meta.ConversationID != "" {
			pipe.SAdd(ctx, convFilesKey(user, meta.ConversationID), meta.FileID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetFile returns a file's meta and bytes.
func (s *Store) GetFile(ctx context.Context, user, fileID string) (FileMeta, []byte, error) {
	var blob string
	err := s.withRetry(ctx, "get_file", func() error {
		var err error
		blob, err = s.rdb.Get(ctx, fileKey(user, fileID)).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return FileMeta{}, nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return FileMeta{}, nil, fmt.Errorf("unmarshal file record: %w", err)
	}
	return rec.Meta, rec.Data, nil
}

// GetFileMeta returns only the meta for a file.
func (s *Store) GetFileMeta(ctx context.Context, user, fileID string) (FileMeta, error) {
	meta, _, err := s.GetFile(ctx, user, fileID)
	return meta, err
}

// UpdateFileMeta rewrites a file's meta, keeping its bytes.
func (s *Store) UpdateFileMeta(ctx context.Context, user string, meta FileMeta) error {
	_, data, err := s.GetFile(ctx, user, meta.FileID)
	if err != nil {
		return err
	}
	return s.PutFile(ctx, user, meta, data)
}

// DeleteFile removes a file and its index entries.
func (s *Store) DeleteFile(ctx context.Context, user, fileID string) error {
	meta, err := s.GetFileMeta(ctx, user, fileID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.withRetry(ctx, "delete_file", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, fileKey(user, fileID))
		pipe.SRem(ctx, fileIndexKey(user), fileID)
		if meta.ConversationID != "" {
			pipe.SRem(ctx, convFilesKey(user, meta.ConversationID), fileID)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListUserFiles returns meta for every file the user owns.
func (s *Store) ListUserFiles(ctx context.Context, user string) ([]FileMeta, error) {
	var ids []string
	err := s.withRetry(ctx, "list_user_files", func() error {
		var err error
		ids, err = s.rdb.SMembers(ctx, fileIndexKey(user)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]FileMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetFileMeta(ctx, user, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// ListConversationFiles returns meta for files referenced by one conversation.
func (s *Store) ListConversationFiles(ctx context.Context, user, conv string) ([]FileMeta, error) {
	var ids []string
	err := s.withRetry(ctx, "list_conversation_files", func() error {
		var err error
		ids, err = s.rdb.SMembers(ctx, convFilesKey(user, conv)).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]FileMeta, 0, len(ids))
	for _, id := range ids {
		meta, err := s.GetFileMeta(ctx, user, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// PutSessionMeta mirrors session state with a TTL covering the idle window.
func (s *Store) PutSessionMeta(ctx context.Context, meta SessionMeta, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	return s.withRetry(ctx, "put_session_meta", func() error {
		return s.rdb.Set(ctx, sessionKey(meta.UserID, meta.ConversationID), data, ttl).Err()
	})
}

// GetSessionMeta loads mirrored session state.
func (s *Store) GetSessionMeta(ctx context.Context, user, conv string) (SessionMeta, error) {
	var blob string
	err := s.withRetry(ctx, "get_session_meta", func() error {
		var err error
		blob, err = s.rdb.Get(ctx, sessionKey(user, conv)).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return SessionMeta{}, err
	}
	var meta SessionMeta
	if err := json.Unmarshal([]byte(blob), &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("unmarshal session meta: %w", err)
	}
	return meta, nil
}

// DeleteSessionMeta clears the mirror on session destruction.
func (s *Store) DeleteSessionMeta(ctx context.Context, user, conv string) error {
	return s.withRetry(ctx, "delete_session_meta", func() error {
		return s.rdb.Del(ctx, sessionKey(user, conv)).Err()
	})
}

// PutRunInterrupt persists a paused run's snapshot. The engine owns the
// snapshot encoding; the store sees opaque bytes.
func (s *Store) PutRunInterrupt(ctx context.Context, runID string, snapshot []byte, ttl time.Duration) error {
	return s.withRetry(ctx, "put_run_interrupt", func() error {
		return s.rdb.Set(ctx, runKey(runID), snapshot, ttl).Err()
	})
}

// GetRunInterrupt loads a paused run's snapshot.
func (s *Store) GetRunInterrupt(ctx context.Context, runID string) ([]byte, error) {
	var blob []byte
	err := s.withRetry(ctx, "get_run_interrupt", func() error {
		var err error
		blob, err = s.rdb.Get(ctx, runKey(runID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	})
	return blob, err
}

// DeleteRunInterrupt clears a snapshot after resume or cancellation.
func (s *Store) DeleteRunInterrupt(ctx context.Context, runID string) error {
	return s.withRetry(ctx, "delete_run_interrupt", func() error {
		return s.rdb.Del(ctx, runKey(runID)).Err()
	})
}

// GetExportState returns the user's export status; a missing key reads as
// ExportStatusNone.
func (s *Store) GetExportState(ctx context.Context, user string) (ExportState, error) {
	var blob string
	err := s.withRetry(ctx, "get_export_state", func() error {
		var err error
		blob, err = s.rdb.Get(ctx, exportKey(user)).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return ExportState{Status: ExportStatusNone}, nil
	}
	if err != nil {
		return ExportState{}, err
	}
	var state ExportState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return ExportState{}, fmt.Errorf("unmarshal export state: %w", err)
	}
	return state, nil
}

// SetExportState writes the user's export status. A zero ttl keeps the key
// until overwritten; ready states pass the bundle TTL so expiry clears them.
func (s *Store) SetExportState(ctx context.Context, user string, state ExportState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal export state: %w", err)
	}
	return s.withRetry(ctx, "set_export_state", func() error {
		return s.rdb.Set(ctx, exportKey(user), data, ttl).Err()
	})
}

// ClearExport removes the export record, returning the status to none.
func (s *Store) ClearExport(ctx context.Context, user string) error {
	return s.withRetry(ctx, "clear_export", func() error {
		return s.rdb.Del(ctx, exportKey(user)).Err()
	})
}
