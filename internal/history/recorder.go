package history

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"codegravity/internal/metrics"
	"codegravity/internal/storage"
)

var ErrHistoryWrite = errors.New("history write failed")

type Appender interface {
	AppendHistory(ctx context.Context, r storage.HistoryRecord) (storage.HistoryRecord, error)
}

type Config struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Recorder persists usage records as a supervised side effect: writes outlive
// the client's request and failures are logged, never returned.
type Recorder struct {
	store   Appender
	timeout time.Duration
	logger  zerolog.Logger
}

func New(store Appender, cfg Config) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Recorder{store: store, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Record blocks until the write finishes or times out. Cancellation of ctx
// does not abort the write.
func (r *Recorder) Record(ctx context.Context, rec storage.HistoryRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if _, err := r.store.AppendHistory(ctx, rec); err != nil {
		metrics.Global().HistoryWriteErrs.Inc()
		r.logger.Error().
			Err(errors.Join(ErrHistoryWrite, err)).
			Str("user_id", rec.UserID).
			Str("action", rec.ActionType).
			Str("status", rec.Status).
			Msg("history record lost")
		return
	}
	metrics.Global().HistoryWrites.Inc()
}
