package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
)

// ErrSinkClosed is returned by AsyncSink.Emit after Close.
var ErrSinkClosed = errors.New("ledger sink closed")

// LedgerSink receives the usage event of every completed transition.
type LedgerSink interface {
	Emit(ctx context.Context, ev usage.Event) error
}

// SinkFunc adapts a function to LedgerSink.
type SinkFunc func(ctx context.Context, ev usage.Event) error

func (f SinkFunc) Emit(ctx context.Context, ev usage.Event) error { return f(ctx, ev) }

// Recorder is satisfied by the ledger itself and by the stats HTTP client.
type Recorder interface {
	Record(ctx context.Context, ev usage.Event) (usage.Record, error)
}

// RecorderSink forwards events to r and drops the returned record.
func RecorderSink(r Recorder) LedgerSink {
	return SinkFunc(func(ctx context.Context, ev usage.Event) error {
		_, err := r.Record(ctx, ev)
		return err
	})
}

type discardSink struct{}

func (discardSink) Emit(context.Context, usage.Event) error { return nil }

// AsyncSink delivers events in the background so a chat turn never waits
// on ledger persistence. Close blocks until every pending delivery ends.
type AsyncSink struct {
	next    LedgerSink
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncSink wraps next. A zero timeout means deliveries are not bounded.
func NewAsyncSink(next LedgerSink, timeout time.Duration, logger *zap.Logger) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncSink{next: next, timeout: timeout, logger: logger.Named("ledger-sink")}
}

// Emit schedules delivery and returns immediately. The caller's
// cancellation does not abort the delivery.
func (s *AsyncSink) Emit(ctx context.Context, ev usage.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		deliverCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			deliverCtx, cancel = context.WithTimeout(deliverCtx, s.timeout)
			defer cancel()
		}
		if err := s.next.Emit(deliverCtx, ev); err != nil {
			s.logger.Warn("usage event dropped",
				zap.String("persona", ev.PersonaID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}()
	return nil
}

// Close stops accepting events and waits for in-flight deliveries.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
