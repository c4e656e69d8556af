package bot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/m3rciful/menubot/core/logger"
)

var (
	// ErrSendQueueClosed is returned when enqueue is attempted after Close.
	ErrSendQueueClosed = errors.New("bot: send queue closed")
	// ErrSendQueueFull indicates the outbound queue is saturated.
	ErrSendQueueFull = errors.New("bot: send queue full")
)

// SenderOptions controls the outbound delivery queue.
type SenderOptions struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent retrying a single send.
	MaxDuration time.Duration
}

type sendJob struct {
	ctx    context.Context
	action string
	run    func() error
}

// Sender executes outbound Telegram calls asynchronously with bounded
// retries, so slow API calls never block update handling or job completion.
type Sender struct {
	opts SenderOptions
	jobs chan sendJob
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
	errs atomic.Uint64
}

// NewSender starts a sender with sane defaults for zeroed options.
func NewSender(opts SenderOptions) *Sender {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 12 * time.Second
	}

	s := &Sender{
		opts: opts,
		jobs: make(chan sendJob, opts.QueueSize),
		stop: make(chan struct{}),
	}
	s.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go s.worker()
	}
	return s
}

// Enqueue schedules run for asynchronous execution. The closure must be
// idempotent if retries are desired.
func (s *Sender) Enqueue(ctx context.Context, action string, run func() error) error {
	if run == nil {
		return errors.New("bot: nil run function")
	}
	select {
	case <-s.stop:
		return ErrSendQueueClosed
	default:
	}

	select {
	case s.jobs <- sendJob{ctx: ctx, action: action, run: run}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// ErrorCount returns the number of sends that ultimately failed.
func (s *Sender) ErrorCount() uint64 {
	return s.errs.Load()
}

// Close stops workers and waits for queued sends to drain.
func (s *Sender) Close() {
	s.once.Do(func() {
		close(s.stop)
		close(s.jobs)
		s.wg.Wait()
	})
}

func (s *Sender) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.handle(j)
	}
}

func (s *Sender) handle(j sendJob) {
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	deadlineCtx, cancel := context.WithTimeout(ctx, s.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	attempts := s.opts.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := deadlineCtx.Err(); err != nil {
			lastErr = err
			break
		}

		if err := j.run(); err != nil {
			lastErr = err
			if !shouldRetry(err) || attempt == attempts {
				break
			}
			delay := s.opts.RetryBackoff * time.Duration(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-deadlineCtx.Done():
				timer.Stop()
				lastErr = deadlineCtx.Err()
			case <-timer.C:
				logger.Debug(ctx, "tg.sender", "send.retry",
					slog.String("action", j.action),
					slog.Int("attempt", attempt),
					slog.Duration("duration", delay),
				)
				continue
			}
			break
		}

		logger.Debug(ctx, "tg.sender", "send.success",
			slog.String("action", j.action),
			slog.Int("attempt", attempt),
			slog.Duration("duration", logger.Took(start)),
		)
		return
	}

	if lastErr != nil {
		s.errs.Add(1)
		logger.Error(ctx, "tg.sender", "send.fail",
			slog.String("action", j.action),
			slog.String("err", sanitizeError(lastErr)),
			slog.String("err_code", classifyError(lastErr)),
			slog.Int("attempts", attempts),
			slog.Duration("duration", logger.Took(start)),
		)
	}
}
