package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/streamsub/internal/buffer"
	"github.com/rickgao/streamsub/internal/model"
)

// BatchSender is the subset of *pgxpool.Pool the writer needs.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// flushTimeout bounds a flush started by the background loops.
const flushTimeout = 10 * time.Second

const insertPayloadSQL = `
	INSERT INTO stream_payloads (id, received_at, source, stream, subscription_id, request_id, error_code, error_message, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id, received_at) DO NOTHING
`

// payloadRow is a stream_payloads row.
type payloadRow struct {
	ID             uuid.UUID
	ReceivedAt     time.Time
	Source         string
	Stream         string
	SubscriptionID int64
	RequestID      int64
	ErrorCode      *int64
	ErrorMessage   *string
	Data           []byte
}

// PayloadWriter consumes recorded payloads and writes them to stream_payloads.
type PayloadWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input *buffer.GrowableBuffer[model.Payload]
	db    BatchSender

	batch   []payloadRow
	batchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewPayloadWriter creates a new PayloadWriter.
func NewPayloadWriter(
	cfg WriterConfig,
	input *buffer.GrowableBuffer[model.Payload],
	db BatchSender,
	logger *slog.Logger,
) *PayloadWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &PayloadWriter{
		cfg:    cfg,
		input:  input,
		db:     db,
		logger: logger,
		batch:  make([]payloadRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming payloads and writing to the database.
func (w *PayloadWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("payload writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input buffer, waits for the consumer to empty it, then
// flushes the remaining batch using ctx.
func (w *PayloadWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping payload writer")

	if w.cancel != nil {
		w.cancel()
	}
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("payload writer stopped")
	case <-ctx.Done():
		w.logger.Warn("payload writer stop timed out")
	}

	for _, p := range w.input.Drain(0) {
		w.add(p)
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *PayloadWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves payloads from the input buffer into the batch. It
// blocks on the buffer and exits once the buffer is closed and empty.
func (w *PayloadWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		p, ok := w.input.Receive()
		if !ok {
			return
		}

		full := w.add(p)
		for !full {
			next, ok := w.input.Pop()
			if !ok {
				break
			}
			full = w.add(next)
		}
		if full {
			w.flushDetached()
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *PayloadWriter) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushDetached()
		}
	}
}

// add appends a payload to the batch and reports whether it is full.
func (w *PayloadWriter) add(p model.Payload) bool {
	row := transform(p)

	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Payload to a payloadRow.
func transform(p model.Payload) payloadRow {
	row := payloadRow{
		ID:             p.ID,
		ReceivedAt:     p.ReceivedAt,
		Source:         string(p.Source),
		Stream:         p.Stream,
		SubscriptionID: p.SubscriptionID,
		RequestID:      p.RequestID,
		Data:           p.Data,
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.ReceivedAt.IsZero() {
		row.ReceivedAt = time.Now()
	}
	if len(row.Data) == 0 {
		row.Data = []byte("null")
	}
	if p.Err != nil {
		code := p.Err.Code
		msg := p.Err.Error()
		row.ErrorCode = &code
		row.ErrorMessage = &msg
	}
	return row
}

// flushDetached flushes with a context that outlives w.ctx.
func (w *PayloadWriter) flushDetached() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), flushTimeout)
	defer cancel()
	w.flush(ctx)
}

// flush writes the current batch to the database.
func (w *PayloadWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	batch := w.batch
	w.batch = make([]payloadRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed payloads",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *PayloadWriter) batchInsert(ctx context.Context, rows []payloadRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertPayloadSQL,
			r.ID, r.ReceivedAt, r.Source, r.Stream, r.SubscriptionID, r.RequestID,
			r.ErrorCode, r.ErrorMessage, string(r.Data),
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
