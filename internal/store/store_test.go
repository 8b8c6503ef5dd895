package store

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-lab/conductor/internal/messages"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, zaptest.NewLogger(t)), s
}

func TestPutAndListMessages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m1 := messages.NewHuman("first")
	m2 := messages.NewAI("second")
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", m1))
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", m2))

	got, err := st.ListMessages(ctx, "u1", "c1", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Content)
	assert.Equal(t, "second", got[1].Content)

	// after filter skips up to and including the given id
	tail, err := st.ListMessages(ctx, "u1", "c1", m1.ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, m2.ID, tail[0].ID)
}

func TestPutMessageIdempotentOnID(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m := messages.NewAI("once")
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", m))
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", m))

	got, err := st.ListMessages(ctx, "u1", "c1", "")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestIsMessageNew(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	fresh, err := st.IsMessageNew(ctx, "u1", "c1", "m-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	again, err := st.IsMessageNew(ctx, "u1", "c1", "m-1")
	require.NoError(t, err)
	assert.False(t, again, "second delivery attempt must be gated")

	other, err := st.IsMessageNew(ctx, "u1", "c2", "m-1")
	require.NoError(t, err)
	assert.True(t, other, "dedup is scoped per conversation")
}

func TestListConversations(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutMessage(ctx, "u1", "c2", messages.NewHuman("hi")))
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", messages.NewHuman("hi")))
	require.NoError(t, st.PutMessage(ctx, "u2", "c9", messages.NewHuman("hi")))

	convs, err := st.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, convs)
}

func TestDeleteConversationMessages(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.PutMessage(ctx, "u1", "c1", messages.NewHuman("hi")))
	require.NoError(t, st.PutMessage(ctx, "u1", "c1", messages.NewAI("hello")))
	require.NoError(t, st.PutMessage(ctx, "u1", "c2", messages.NewHuman("keep")))

	require.NoError(t, st.DeleteConversationMessages(ctx, "u1", "c1"))

	gone, err := st.ListMessages(ctx, "u1", "c1", "")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := st.ListMessages(ctx, "u1", "c2", "")
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	convs, err := st.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, convs)
}

func TestFileRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	payload := []byte("a,b\n1,2\n")
	meta := FileMeta{
		FileID:         "f-1",
		Filename:       "sales.csv",
		MIME:           "text/csv",
		UploadedAt:     time.Now().UTC(),
		Source:         "upload",
		ConversationID: "c1",
	}
	require.NoError(t, st.PutFile(ctx, "u1", meta, payload))

	gotMeta, gotData, err := st.GetFile(ctx, "u1", "f-1")
	require.NoError(t, err)
	assert.Equal(t, payload, gotData, "upload then download must return identical bytes")
	assert.Equal(t, "sales.csv", gotMeta.Filename)
	assert.True(t, gotMeta.IsCSV())
	assert.Equal(t, int64(len(payload)), gotMeta.Size)

	list, err := st.ListUserFiles(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	convList, err := st.ListConversationFiles(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, convList, 1)

	require.NoError(t, st.DeleteFile(ctx, "u1", "f-1"))
	_, _, err = st.GetFile(ctx, "u1", "f-1")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err = st.ListUserFiles(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateFileMetaKeepsBytes(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	payload := []byte("%PDF-1.4")
	meta := FileMeta{FileID: "f-2", Filename: "doc.pdf", MIME: "application/pdf"}
	require.NoError(t, st.PutFile(ctx, "u1", meta, payload))

	meta.Indexed = true
	meta.VectorIDs = []string{"v1", "v2"}
	require.NoError(t, st.UpdateFileMeta(ctx, "u1", meta))

	gotMeta, gotData, err := st.GetFile(ctx, "u1", "f-2")
	require.NoError(t, err)
	assert.True(t, gotMeta.Indexed)
	assert.Equal(t, []string{"v1", "v2"}, gotMeta.VectorIDs)
	assert.Equal(t, payload, gotData)
}

func TestSessionMetaRoundTrip(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	meta := SessionMeta{
		UserID:         "u1",
		ConversationID: "c1",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		LastActive:     time.Now().UTC().Truncate(time.Second),
		SocketEpoch:    3,
	}
	require.NoError(t, st.PutSessionMeta(ctx, meta, time.Minute))

	got, err := st.GetSessionMeta(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SocketEpoch)

	// TTL expiry clears the mirror.
	mr.FastForward(2 * time.Minute)
	_, err = st.GetSessionMeta(ctx, "u1", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunInterruptRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	snap := []byte(`{"paused_at":"HumanChoice"}`)
	require.NoError(t, st.PutRunInterrupt(ctx, "r-1", snap, time.Minute))

	got, err := st.GetRunInterrupt(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	require.NoError(t, st.DeleteRunInterrupt(ctx, "r-1"))
	_, err = st.GetRunInterrupt(ctx, "r-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportStateTransitions(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	state, err := st.GetExportState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ExportStatusNone, state.Status)

	require.NoError(t, st.SetExportState(ctx, "u1", ExportState{
		Status:      ExportStatusProcessing,
		RequestedAt: time.Now().UTC(),
	}, 0))

	state, err = st.GetExportState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ExportStatusProcessing, state.Status)

	require.NoError(t, st.SetExportState(ctx, "u1", ExportState{
		Status:   ExportStatusReady,
		Location: "/exports/u1.zip",
		ReadyAt:  time.Now().UTC(),
	}, 24*time.Hour))

	// Expiry returns the status to none.
	mr.FastForward(25 * time.Hour)
	state, err = st.GetExportState(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, ExportStatusNone, state.Status)
}

func TestIsTransientClassification(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(errors.New("some application error")))
}
