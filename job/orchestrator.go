package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vidserve/extractor"
	"vidserve/jobstore"
	"vidserve/logger"
	"vidserve/models"
	"vidserve/taskqueue"
	"vidserve/writerbackends"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// titleMaxLen bounds the title part of output file names
const titleMaxLen = 50

// slotMargin is added to the attempt timeout when holding an execution slot
const slotMargin = time.Minute

// Options tune the orchestrator. Zero values are replaced by defaults.
type Options struct {
	OutputDir    string
	MaxAttempts  int
	Backoff      []time.Duration
	Timeout      time.Duration
	DedupeWindow time.Duration
	// SpawnLimiter paces gateway invocations across the process; nil disables it
	SpawnLimiter *rate.Limiter
	Mirror       writerbackends.Mirror
	Now          func() time.Time
}

// Orchestrator owns every status change of a job
type Orchestrator struct {
	store   jobstore.Store
	queue   taskqueue.Queue
	gateway extractor.Gateway
	slots   SlotLocker
	opts    Options

	// serializes the duplicate check with the insert
	submitMu sync.Mutex
}

func NewOrchestrator(store jobstore.Store, queue taskqueue.Queue, gateway extractor.Gateway, slots SlotLocker, opts Options) *Orchestrator {
	if opts.OutputDir == "" {
		opts.OutputDir = "./downloads"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = []time.Duration{30 * time.Second, 60 * time.Second, 300 * time.Second}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if slots == nil {
		slots = NewMemorySlots()
	}
	return &Orchestrator{store: store, queue: queue, gateway: gateway, slots: slots, opts: opts}
}

// Submit validates req and persists a pending job. Async requests are queued
// immediately; sync requests are left for RunSync.
func (o *Orchestrator) Submit(ctx context.Context, req DownloadRequest) (*models.Job, error) {
	v, err := validate(req)
	if err != nil {
		return nil, err
	}

	now := o.opts.Now()
	o.submitMu.Lock()
	if o.opts.DedupeWindow > 0 {
		dup, err := o.store.FindRecentDuplicate(ctx, jobstore.DedupeKey{
			SourceURL: v.url,
			Format:    v.format,
			ClientIP:  req.ClientIP,
		}, now.Add(-o.opts.DedupeWindow))
		if err != nil {
			o.submitMu.Unlock()
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if dup != nil {
			o.submitMu.Unlock()
			return dup, fmt.Errorf("%w: job %s", ErrDuplicateRequest, dup.ID)
		}
	}

	job, err := models.NewJob(models.NewJobParams{
		ID:           uuid.New().String(),
		SourceURL:    v.url,
		VideoID:      v.videoID,
		Format:       v.format,
		Quality:      v.quality,
		ClientIP:     req.ClientIP,
		UserAgent:    req.UserAgent,
		CredentialID: req.CredentialID,
		CreatedAt:    now,
	})
	if err != nil {
		o.submitMu.Unlock()
		return nil, &ValidationError{Message: err.Error()}
	}
	err = o.store.Create(ctx, job)
	o.submitMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store job: %w", err)
	}

	log := logger.ForJob(job.ID)
	log.Infof("Created %s job for %s (%s)", mode(req.Async), job.SourceURL, job.Format)

	if req.Async {
		if err := o.queue.Enqueue(ctx, job.ID, 0); err != nil {
			// the recovery scan picks the job up on the next start
			log.Errorf("Failed to enqueue: %v", err)
			return job, fmt.Errorf("failed to enqueue job: %w", err)
		}
	}
	return job, nil
}

// RunSync performs a single attempt for a pending job on the caller's
// goroutine. The returned job reflects the final state; err is the gateway
// error when the job failed. When the job cannot be run here, or the caller
// goes away mid-attempt, it is handed to the queue instead and err wraps
// ErrQueued.
func (o *Orchestrator) RunSync(ctx context.Context, job *models.Job) (*models.Job, error) {
	current, handOff, err := o.runSync(ctx, job)
	if !handOff {
		return current, err
	}

	log := logger.ForJob(job.ID)
	if qerr := o.queue.Enqueue(context.WithoutCancel(ctx), job.ID, 0); qerr != nil {
		// the recovery scan picks the job up on the next start
		log.Errorf("Failed to hand off to the queue: %v", qerr)
		return current, errors.Join(err, fmt.Errorf("failed to enqueue job: %w", qerr))
	}
	log.Warnf("Handed off to the queue: %v", err)
	return current, fmt.Errorf("%w: %v", ErrQueued, err)
}

// runSync holds the execution slot for the attempt. handOff reports that the
// job was left non-terminal and must be queued once the slot is released.
func (o *Orchestrator) runSync(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	log := logger.ForJob(job.ID)

	release, ok, err := o.slots.TryAcquire(ctx, job.ID, o.opts.Timeout+slotMargin)
	if err != nil {
		return job, true, fmt.Errorf("acquire execution slot: %w", err)
	}
	if !ok {
		return job, true, fmt.Errorf("job %s is already running", job.ID)
	}
	defer release()

	current := job.Clone()
	if err := current.Start(o.opts.Now()); err != nil {
		return job, true, err
	}
	if err := o.store.Update(ctx, current, models.StatusPending); err != nil {
		return job, true, err
	}

	res, attemptErr := o.attempt(ctx, current)
	if attemptErr != nil && ctx.Err() != nil {
		// the caller left; the job stays processing for a worker to finish
		log.Warnf("Sync attempt interrupted: %v", ctx.Err())
		return current, true, ctx.Err()
	}

	// the outcome is recorded even if the caller leaves from here on
	ctx = context.WithoutCancel(ctx)
	if attemptErr != nil {
		log.Warnf("Sync attempt failed: %v", attemptErr)
		if err := o.finish(ctx, current, nil, attemptErr); err != nil {
			return current, false, err
		}
		return current, false, attemptErr
	}
	if err := o.finish(ctx, current, res, nil); err != nil {
		return current, false, err
	}
	return current, false, nil
}

// HandleDelivery runs one async attempt for a delivered job. It is safe to
// call any number of times for the same job: terminal jobs, early deliveries
// and deliveries for a job that is already running are dropped. A nil error
// means the delivery can be acknowledged.
func (o *Orchestrator) HandleDelivery(ctx context.Context, jobID string) error {
	log := logger.ForJob(jobID)

	job, drop, err := o.deliverable(ctx, jobID)
	if err != nil || drop {
		return err
	}

	release, ok, err := o.slots.TryAcquire(ctx, jobID, o.opts.Timeout+slotMargin)
	if err != nil {
		return fmt.Errorf("acquire execution slot: %w", err)
	}
	if !ok {
		log.Debugf("Already running, dropping duplicate delivery")
		return nil
	}
	defer release()

	// another worker may have finished the job before we got the slot
	job, drop, err = o.deliverable(ctx, jobID)
	if err != nil || drop {
		return err
	}

	expected := job.Status
	now := o.opts.Now()
	if job.Status == models.StatusPending {
		if err := job.Start(now); err != nil {
			return err
		}
	}
	job.Attempts++
	job.RetryAt = nil
	if err := o.store.Update(ctx, job, expected); err != nil {
		if errors.Is(err, jobstore.ErrStaleWrite) {
			log.Debugf("Lost race to start attempt: %v", err)
			return nil
		}
		return err
	}

	log.Infof("Attempt %d/%d", job.Attempts, o.opts.MaxAttempts)
	res, attemptErr := o.attempt(ctx, job)
	if attemptErr != nil && ctx.Err() != nil {
		// shutdown, not a job failure; the delivery comes back later and the
		// attempt does not count against the budget
		log.Warnf("Attempt %d interrupted: %v", job.Attempts, ctx.Err())
		job.Attempts--
		if err := o.store.Update(context.WithoutCancel(ctx), job, models.StatusProcessing); err != nil {
			log.Warnf("Failed to refund interrupted attempt: %v", err)
		}
		return ctx.Err()
	}

	switch {
	case attemptErr == nil:
		return o.finish(ctx, job, res, nil)
	case extractor.IsPermanent(attemptErr):
		log.Warnf("Permanent failure, not retrying: %v", attemptErr)
		return o.finish(ctx, job, nil, attemptErr)
	case job.Attempts >= o.opts.MaxAttempts:
		log.Warnf("Giving up after %d attempts: %v", job.Attempts, attemptErr)
		return o.finish(ctx, job, nil, attemptErr)
	}

	delay := o.backoff(job.Attempts)
	retryAt := o.opts.Now().Add(delay)
	job.RetryAt = &retryAt
	if err := o.store.Update(ctx, job, models.StatusProcessing); err != nil {
		return err
	}
	if err := o.queue.Enqueue(ctx, job.ID, delay); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	log.Infof("Attempt %d failed, retrying in %s: %v", job.Attempts, delay, attemptErr)
	return nil
}

// deliverable loads the job and reports whether this delivery should be dropped
func (o *Orchestrator) deliverable(ctx context.Context, jobID string) (*models.Job, bool, error) {
	log := logger.ForJob(jobID)

	job, err := o.store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		log.Warnf("Delivery for unknown job, dropping")
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if job.Status.IsTerminal() {
		log.Debugf("Already %s, dropping delivery", job.Status)
		return job, true, nil
	}
	if job.RetryAt != nil && o.opts.Now().Before(*job.RetryAt) {
		log.Debugf("Early delivery, retry scheduled at %s", job.RetryAt.Format(time.RFC3339))
		return job, true, nil
	}
	return job, false, nil
}

// Lookup fetches metadata for url without creating a job
func (o *Orchestrator) Lookup(ctx context.Context, url string) (*extractor.Metadata, error) {
	if _, err := ExtractVideoID(url); err != nil {
		return nil, err
	}
	if err := o.waitSpawn(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()
	return o.gateway.FetchMetadata(ctx, url)
}

// attempt makes one gateway invocation under the wall clock timeout and
// checks that the artifact exists
func (o *Orchestrator) attempt(ctx context.Context, job *models.Job) (*extractor.MediaResult, error) {
	if err := o.waitSpawn(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	md, err := o.gateway.FetchMetadata(ctx, job.SourceURL)
	if err != nil {
		return nil, timeoutAware(ctx, err)
	}
	job.Title = md.Title
	job.Thumbnail = md.Thumbnail
	if md.DurationSeconds > 0 {
		job.DurationSeconds = md.DurationSeconds
	}
	if md.SourceID != "" {
		job.VideoID = md.SourceID
	}

	res, err := o.gateway.FetchMedia(ctx, extractor.MediaRequest{
		URL:        job.SourceURL,
		Format:     job.Format,
		Quality:    job.Quality,
		OutputPath: o.OutputPath(job),
	})
	if err != nil {
		return nil, timeoutAware(ctx, err)
	}

	fi, err := os.Stat(res.OutputPath)
	if err != nil {
		return nil, &extractor.Error{
			Kind:    extractor.KindIntegrity,
			Message: fmt.Sprintf("download reported success but file is missing: %s", res.OutputPath),
			Err:     err,
		}
	}
	return &extractor.MediaResult{OutputPath: res.OutputPath, ByteSize: fi.Size()}, nil
}

// finish moves a processing job to its terminal state
func (o *Orchestrator) finish(ctx context.Context, job *models.Job, res *extractor.MediaResult, attemptErr error) error {
	log := logger.ForJob(job.ID)
	now := o.opts.Now()

	if attemptErr != nil {
		if err := job.Fail(now, attemptErr.Error()); err != nil {
			return err
		}
	} else if err := job.Complete(now, res.OutputPath, res.ByteSize); err != nil {
		return err
	}

	if err := o.store.Update(ctx, job, models.StatusProcessing); err != nil {
		if errors.Is(err, jobstore.ErrStaleWrite) {
			log.Warnf("Job changed while running, result discarded: %v", err)
			return nil
		}
		return err
	}

	if res == nil {
		log.Infof("Failed: %s", attemptErr)
		return nil
	}
	log.Infof("Completed: %s (%d bytes)", res.OutputPath, res.ByteSize)
	o.mirror(ctx, job.ID, res.OutputPath)
	return nil
}

func (o *Orchestrator) mirror(ctx context.Context, jobID, path string) {
	if o.opts.Mirror == nil {
		return
	}
	log := logger.ForJob(jobID)
	if err := o.opts.Mirror.Put(ctx, path, filepath.Base(path)); err != nil {
		log.Errorf("Mirror to %s failed: %v", o.opts.Mirror.Name(), err)
		return
	}
	log.Debugf("Mirrored to %s", o.opts.Mirror.Name())
}

func (o *Orchestrator) waitSpawn(ctx context.Context) error {
	if o.opts.SpawnLimiter == nil {
		return nil
	}
	return o.opts.SpawnLimiter.Wait(ctx)
}

// backoff returns the delay after the given attempt. Attempts past the end of
// the table reuse its last entry.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(o.opts.Backoff) {
		i = len(o.opts.Backoff) - 1
	}
	return o.opts.Backoff[i]
}

// OutputPath is <OutputDir>/<videoID>_<jobID[:8]>_<title><ext>
func (o *Orchestrator) OutputPath(job *models.Job) string {
	prefix := job.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	name := fmt.Sprintf("%s_%s_%s%s", job.VideoID, prefix,
		extractor.SanitizeFilename(job.Title, titleMaxLen), job.Format.Extension())
	return filepath.Join(o.opts.OutputDir, name)
}

// timeoutAware turns an error caused by the attempt deadline into a
// retryable timeout
func timeoutAware(ctx context.Context, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	var gwErr *extractor.Error
	if errors.As(err, &gwErr) && gwErr.Kind == extractor.KindTimeout {
		return err
	}
	return &extractor.Error{Kind: extractor.KindTimeout, Message: "download timed out: " + err.Error(), Err: err}
}

func mode(async bool) string {
	if async {
		return "async"
	}
	return "sync"
}
