package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"log/slog"

	"github.com/m3rciful/menubot/core/logger"
)

// Options tune the worker pool and the transcoder invocation.
type Options struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
	Binary     string
	WorkDir    string
	OutputExt  string
	FormatArgs []string
	// Runner overrides the subprocess invocation; tests inject a fake.
	Runner Runner
}

// Pipeline executes media jobs concurrently up to the configured worker bound.
type Pipeline struct {
	opts   Options
	store  Store
	notify func(context.Context, Completion)

	jobs    chan *Job
	slots   chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	submits sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	pending  map[string]struct{}
	cancels  map[string]context.CancelFunc
	canceled map[string]struct{}
}

// New starts a pipeline with sane defaults for zeroed options.
func New(opts Options, store Store) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.Binary == "" {
		opts.Binary = "ffmpeg"
	}
	if opts.OutputExt == "" {
		opts.OutputExt = ".wav"
	}
	if opts.Runner == nil {
		opts.Runner = runTranscode
	}

	p := &Pipeline{
		opts:     opts,
		store:    store,
		jobs:     make(chan *Job, opts.QueueSize),
		slots:    make(chan struct{}, opts.QueueSize),
		pending:  make(map[string]struct{}),
		cancels:  make(map[string]context.CancelFunc),
		canceled: make(map[string]struct{}),
	}

	p.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go p.worker()
	}
	return p
}

// SetNotify registers the completion callback. Must be called before the
// first Submit; completions for untracked callbacks are logged and dropped.
func (p *Pipeline) SetNotify(fn func(context.Context, Completion)) {
	p.notify = fn
}

// Submit accepts a new job or fails fast: ErrResourceExhausted when the queue
// is saturated, ErrClosed after shutdown. The returned id identifies the job
// for Poll and Cancel.
func (p *Pipeline) Submit(ctx context.Context, userID int64, inputRef string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return "", ErrResourceExhausted
	}
	// Keeps Close from closing the jobs channel under an in-flight Submit.
	p.submits.Add(1)
	p.mu.Unlock()
	defer p.submits.Done()

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		InputRef:  inputRef,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		<-p.slots
		return "", fmt.Errorf("pipeline: create job: %w", err)
	}

	p.mu.Lock()
	p.pending[job.ID] = struct{}{}
	p.mu.Unlock()

	// Never blocks: every job in the channel holds a slot until dequeue, so
	// channel occupancy cannot exceed the slots handed out above.
	p.jobs <- job

	logger.Debug(ctx, "pipeline", "job.queued",
		slog.String("job_id", job.ID),
		slog.Int64("user_id", userID),
		slog.Int("queue_depth", len(p.jobs)),
	)
	return job.ID, nil
}

// Poll returns the current job record.
func (p *Pipeline) Poll(ctx context.Context, jobID string) (*Job, error) {
	return p.store.GetJob(ctx, jobID)
}

// Cancel requests cooperative cancellation. A queued job is skipped before it
// starts; a running job has its process group killed. Returns false for jobs
// the pipeline no longer tracks (finished, canceled, or never submitted).
func (p *Pipeline) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.cancels[jobID]; ok {
		cancel()
		return true
	}
	if _, ok := p.pending[jobID]; ok {
		p.canceled[jobID] = struct{}{}
		return true
	}
	return false
}

// Close stops intake and waits for in-flight jobs to finish.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.submits.Wait()
		close(p.jobs)
		p.wg.Wait()
	})
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		// Free the queue slot as soon as the job leaves the queue; running
		// jobs are bounded by the worker count, not by queue capacity.
		<-p.slots
		p.runJob(job)
	}
}

func (p *Pipeline) runJob(job *Job) {
	ctx := logger.WithJobID(context.Background(), job.ID)
	start := time.Now()

	p.mu.Lock()
	delete(p.pending, job.ID)
	if _, skip := p.canceled[job.ID]; skip {
		delete(p.canceled, job.ID)
		p.mu.Unlock()
		p.finishJob(ctx, job, "", "canceled before start")
		return
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	p.cancels[job.ID] = cancel
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	job.Status = StatusRunning
	job.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateJob(ctx, job); err != nil {
		logger.Error(ctx, "pipeline", "job.persist",
			slog.String("job_id", job.ID),
			slog.String("err", err.Error()),
		)
	}

	output := filepath.Join(p.opts.WorkDir, job.ID+p.opts.OutputExt)
	runErr := p.runAttempts(jobCtx, job, output)

	if runErr == nil {
		p.finishJob(ctx, job, output, "")
	} else {
		p.finishJob(ctx, job, "", runErr.Error())
	}

	logger.Info(ctx, "pipeline", "job.finished",
		slog.String("job_id", job.ID),
		slog.Int64("user_id", job.UserID),
		slog.String("job_status", string(job.Status)),
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", logger.Took(start)),
	)
}

// runAttempts drives the retry policy: transient spawn failures retry with
// exponential backoff up to MaxRetries; bad input, timeouts, and other exit
// failures are final on the first occurrence.
func (p *Pipeline) runAttempts(ctx context.Context, job *Job, output string) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.opts.Backoff
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(p.opts.MaxRetries)), ctx)

	op := func() error {
		job.Attempts++

		attemptCtx, cancelAttempt := context.WithTimeout(ctx, p.opts.Timeout)
		defer cancelAttempt()

		err := p.opts.Runner(attemptCtx, p.opts.Binary, job.InputRef, output, p.opts.FormatArgs)
		if err == nil {
			return nil
		}

		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(errors.New("canceled"))
		case errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(fmt.Errorf("timeout after %s", p.opts.Timeout))
		case isTransient(err):
			logger.Warn(ctx, "pipeline", "job.retry",
				slog.String("job_id", job.ID),
				slog.Int("attempt", job.Attempts),
				slog.String("err", err.Error()),
			)
			return err
		default:
			var ee *exitError
			if errors.As(err, &ee) && ee.badInput() {
				return backoff.Permanent(fmt.Errorf("bad input: %w", err))
			}
			return backoff.Permanent(fmt.Errorf("transcode failed: %w", err))
		}
	}

	return backoff.Retry(op, policy)
}

// finishJob persists the terminal status and notifies the registered callback.
func (p *Pipeline) finishJob(ctx context.Context, job *Job, output, errMsg string) {
	if errMsg == "" {
		job.Status = StatusDone
		job.OutputRef = output
		job.Error = ""
	} else {
		job.Status = StatusFailed
		job.Error = errMsg
	}
	job.UpdatedAt = time.Now().UTC()

	persistCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.store.UpdateJob(persistCtx, job); err != nil {
		logger.Error(ctx, "pipeline", "job.persist",
			slog.String("job_id", job.ID),
			slog.String("err", err.Error()),
		)
	}

	if p.notify == nil {
		logger.Warn(ctx, "pipeline", "job.unnotified",
			slog.String("job_id", job.ID),
			slog.String("job_status", string(job.Status)),
		)
		return
	}
	p.notify(ctx, Completion{
		JobID:     job.ID,
		UserID:    job.UserID,
		InputRef:  job.InputRef,
		OutputRef: job.OutputRef,
		Status:    job.Status,
		Err:       job.Error,
	})
}
