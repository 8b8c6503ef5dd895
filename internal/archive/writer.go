package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaveRun saves or updates a run record, idempotent by run_id. A run is first
// written when it starts and updated in place when it settles.
func (c *Client) SaveRun(ctx context.Context, run *RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO runs (
			id, run_id, user_id, conversation_id, subgraph, query, status,
			started_at, completed_at, result, error_message,
			total_tokens, prompt_tokens, completion_tokens, duration_ms,
			metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			total_tokens = EXCLUDED.total_tokens,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			duration_ms = EXCLUDED.duration_ms`

	err := c.execute(ctx, func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, query,
			run.ID, run.RunID, run.UserID, run.ConversationID,
			run.Subgraph, run.Query, run.Status,
			run.StartedAt, run.CompletedAt, run.Result, run.ErrorMessage,
			run.TotalTokens, run.PromptTokens, run.CompletionTokens, run.DurationMs,
			run.Metadata, run.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	c.logger.Debug("Run archived",
		zap.String("run_id", run.RunID),
		zap.String("status", run.Status),
	)
	return nil
}

// SaveMessage archives a single message, idempotent by message_id.
func (c *Client) SaveMessage(ctx context.Context, msg *MessageRecord) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (
			id, message_id, conversation_id, user_id, role, agent_type,
			content, kwargs, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (message_id) DO NOTHING`

	err := c.execute(ctx, func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, query,
			msg.ID, msg.MessageID, msg.ConversationID, msg.UserID,
			msg.Role, msg.AgentType, msg.Content, msg.Kwargs, msg.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// BatchSaveMessages writes a message batch in one transaction.
func (c *Client) BatchSaveMessages(ctx context.Context, msgs []*MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}

	return c.execute(ctx, func(ctx context.Context) error {
		tx, err := c.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()

		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO messages (
				id, message_id, conversation_id, user_id, role, agent_type,
				content, kwargs, created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9
			)
			ON CONFLICT (message_id) DO NOTHING
		`)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, msg := range msgs {
			if msg.ID == uuid.Nil {
				msg.ID = uuid.New()
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				msg.ID, msg.MessageID, msg.ConversationID, msg.UserID,
				msg.Role, msg.AgentType, msg.Content, msg.Kwargs, msg.CreatedAt,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
		return nil
	})
}

// SaveToolCall archives one tool invocation.
func (c *Client) SaveToolCall(ctx context.Context, tc *ToolCallRecord) error {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tool_calls (
			id, run_id, agent_type, tool_name, args, output,
			success, error, duration_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	err := c.execute(ctx, func(ctx context.Context) error {
		_, err := c.db.ExecContext(ctx, query,
			tc.ID, tc.RunID, tc.AgentType, tc.ToolName, tc.Args, tc.Output,
			tc.Success, tc.Error, tc.DurationMs, tc.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save tool call: %w", err)
	}
	return nil
}

// GetRun fetches one archived run by its run_id.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	err := c.execute(ctx, func(ctx context.Context) error {
		return c.db.GetContext(ctx, &run,
			`SELECT * FROM runs WHERE run_id = $1`, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", runID, err)
	}
	return &run, nil
}

// ListRuns returns archived runs matching the filter, newest first.
func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	query := `SELECT * FROM runs WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, filter.UserID)
		idx++
	}
	if filter.ConversationID != "" {
		query += fmt.Sprintf(" AND conversation_id = $%d", idx)
		args = append(args, filter.ConversationID)
		idx++
	}
	if filter.Subgraph != "" {
		query += fmt.Sprintf(" AND subgraph = $%d", idx)
		args = append(args, filter.Subgraph)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", idx)
		args = append(args, *filter.Since)
		idx++
	}

	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", idx)
	args = append(args, limit)
	idx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	runs := []*RunRecord{}
	err := c.execute(ctx, func(ctx context.Context) error {
		return c.db.SelectContext(ctx, &runs, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
