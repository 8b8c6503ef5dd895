package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/circuitbreaker"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Client persists run, message, and tool-call records to Postgres through an
// async write queue so archival never blocks the serving path. A nil *Client
// drops writes; the archive is optional.
type Client struct {
	db      *sqlx.DB
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// WriteRequest represents an async write operation.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeRun WriteType = iota
	WriteTypeMessage
	WriteTypeToolCall
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRun:
		return "run"
	case WriteTypeMessage:
		return "message"
	case WriteTypeToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// NewClient opens the archive database and starts the write workers.
func NewClient(cfg config.DatabaseConfig, breaker *circuitbreaker.Breaker, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	client := newClientWithDB(db, breaker, logger)

	logger.Info("Archive client initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", client.workers),
	)

	return client, nil
}

// newClientWithDB wires a client around an existing connection. Tests use it
// with sqlmock.
func newClientWithDB(db *sqlx.DB, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Client {
	client := &Client{
		db:         db,
		breaker:    breaker,
		logger:     logger,
		writeQueue: make(chan WriteRequest, 1000),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
	client.startWorkers()
	go client.healthCheck()
	return client
}

func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue. Message records are
// buffered and flushed in batches; runs and tool calls write through
// immediately.
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	c.logger.Debug("Archive write worker started", zap.Int("worker_id", id))

	batchBuffer := make([]*MessageRecord, 0, 100)
	batchTicker := time.NewTicker(1 * time.Second)
	defer batchTicker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.drainQueue(batchBuffer)
			c.logger.Info("Archive write worker stopped", zap.Int("worker_id", id))
			return

		case req := <-c.writeQueue:
			metrics.ArchiveQueueDepth.Set(float64(len(c.writeQueue)))
			if req.Type == WriteTypeMessage {
				if msg, ok := req.Data.(*MessageRecord); ok {
					batchBuffer = append(batchBuffer, msg)
					if len(batchBuffer) >= 100 {
						c.flushMessages(batchBuffer)
						batchBuffer = batchBuffer[:0]
					}
				}
				if req.Callback != nil {
					req.Callback(nil)
				}
				continue
			}
			c.processWrite(req)

		case <-batchTicker.C:
			if len(batchBuffer) > 0 {
				c.flushMessages(batchBuffer)
				batchBuffer = batchBuffer[:0]
			}
		}
	}
}

// processWrite handles a single write request.
func (c *Client) processWrite(req WriteRequest) {
	var err error

	switch req.Type {
	case WriteTypeRun:
		if run, ok := req.Data.(*RunRecord); ok {
			err = c.SaveRun(context.Background(), run)
		}
	case WriteTypeMessage:
		if msg, ok := req.Data.(*MessageRecord); ok {
			err = c.SaveMessage(context.Background(), msg)
		}
	case WriteTypeToolCall:
		if tc, ok := req.Data.(*ToolCallRecord); ok {
			err = c.SaveToolCall(context.Background(), tc)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	status := "ok"
	if err != nil {
		status = "error"
		c.logger.Error("Failed to process archive write",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
	metrics.ArchiveWrites.WithLabelValues(req.Type.String(), status).Inc()
}

func (c *Client) flushMessages(batch []*MessageRecord) {
	if len(batch) == 0 {
		return
	}
	status := "ok"
	if err := c.BatchSaveMessages(context.Background(), batch); err != nil {
		status = "error"
		c.logger.Error("Failed to flush message batch",
			zap.Int("count", len(batch)),
			zap.Error(err),
		)
	}
	for range batch {
		metrics.ArchiveWrites.WithLabelValues(WriteTypeMessage.String(), status).Inc()
	}
}

// drainQueue processes remaining requests during shutdown.
func (c *Client) drainQueue(batchBuffer []*MessageRecord) {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-c.writeQueue:
			if req.Type == WriteTypeMessage {
				if msg, ok := req.Data.(*MessageRecord); ok {
					batchBuffer = append(batchBuffer, msg)
				}
				continue
			}
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining archive queue")
			return
		default:
			if len(batchBuffer) > 0 {
				c.flushMessages(batchBuffer)
			}
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. When the queue is full
// the write runs synchronously so nothing is dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	if c == nil {
		if callback != nil {
			callback(nil)
		}
		return
	}

	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.writeQueue <- req:
		metrics.ArchiveQueueDepth.Set(float64(len(c.writeQueue)))
	default:
		c.logger.Warn("Archive queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// healthCheck periodically checks database connectivity.
func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Archive health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Ping reports connectivity for the health surface.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.db.PingContext(ctx)
}

// Close drains the queue and shuts down the client.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.logger.Info("Shutting down archive client")

	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive database: %w", err)
	}
	return nil
}

// execute routes a database call through the breaker when one is configured.
func (c *Client) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}
