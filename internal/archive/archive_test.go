package archive

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap/zaptest"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}

	client := newClientWithDB(sqlx.NewDb(db, "postgres"), nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = client.Close() })
	return client, mock
}

func TestSaveRunUpsert(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO runs").
		WillReturnResult(sqlmock.NewResult(1, 1))

	run := &RunRecord{
		RunID:          "run-123",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Subgraph:       "data_science",
		Query:          "analyze the sales data",
		Status:         RunStatusCompleted,
		StartedAt:      time.Now(),
	}

	if err := client.SaveRun(context.Background(), run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if run.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("Expected SaveRun to assign an ID")
	}
	if run.CreatedAt.IsZero() {
		t.Error("Expected SaveRun to set CreatedAt")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestSaveMessageIdempotent(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO messages").
		WithArgs(
			sqlmock.AnyArg(), // id
			"msg-1",          // message_id
			"conv-1",         // conversation_id
			"user-1",         // user_id
			"ai",             // role
			"data_science_coder",
			"done",
			sqlmock.AnyArg(), // kwargs
			sqlmock.AnyArg(), // created_at
		).
		WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, no row written

	msg := &MessageRecord{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		UserID:         "user-1",
		Role:           "ai",
		AgentType:      "data_science_coder",
		Content:        "done",
	}

	if err := client.SaveMessage(context.Background(), msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestBatchSaveMessages(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO messages")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	msgs := []*MessageRecord{
		{MessageID: "msg-1", ConversationID: "conv-1", UserID: "user-1", Role: "human", Content: "hello"},
		{MessageID: "msg-2", ConversationID: "conv-1", UserID: "user-1", Role: "ai", Content: "hi"},
	}

	if err := client.BatchSaveMessages(context.Background(), msgs); err != nil {
		t.Fatalf("BatchSaveMessages failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestQueueWriteProcessesAsync(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO tool_calls").
		WillReturnResult(sqlmock.NewResult(1, 1))

	done := make(chan error, 1)
	client.QueueWrite(WriteTypeToolCall, &ToolCallRecord{
		RunID:    "run-123",
		ToolName: "execute_python",
		Success:  true,
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Queued write failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for queued write")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestListRunsFilter(t *testing.T) {
	client, mock := newMockClient(t)

	rows := sqlmock.NewRows([]string{
		"id", "run_id", "user_id", "conversation_id", "subgraph", "query",
		"status", "started_at", "total_tokens", "prompt_tokens",
		"completion_tokens", "created_at",
	}).AddRow(
		"7b8a6f70-4b6e-4b8e-9f6d-2a1b3c4d5e6f", "run-1", "user-1", "conv-1",
		"data_science", "q", RunStatusCompleted, time.Now(), 120, 80, 40, time.Now(),
	)

	mock.ExpectQuery("SELECT \\* FROM runs").
		WithArgs("user-1", RunStatusCompleted, 100).
		WillReturnRows(rows)

	runs, err := client.ListRuns(context.Background(), RunFilter{
		UserID: "user-1",
		Status: RunStatusCompleted,
	})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 run, got %d", len(runs))
	}
	if runs[0].RunID != "run-1" {
		t.Errorf("Expected run-1, got %s", runs[0].RunID)
	}
	if runs[0].TotalTokens != 120 {
		t.Errorf("Expected 120 tokens, got %d", runs[0].TotalTokens)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var client *Client

	called := false
	client.QueueWrite(WriteTypeRun, &RunRecord{}, func(err error) {
		called = true
		if err != nil {
			t.Errorf("Expected nil error from nil client, got %v", err)
		}
	})
	if !called {
		t.Error("Expected callback to run on nil client")
	}

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Expected nil Ping on nil client, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Expected nil Close on nil client, got %v", err)
	}
}
