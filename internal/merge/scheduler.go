// Package merge runs audio/video merge jobs with bounded concurrency.
package merge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoshenming/bilibili-server/internal/metrics"
)

// JobState is the lifecycle position of a merge job. Transitions are
// monotonic: queued -> running -> completed | failed.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// DefaultMaxConcurrent bounds simultaneous encoder processes.
const DefaultMaxConcurrent = 2

// retention is how long terminal jobs stay queryable after finishing.
const retention = time.Hour

// JobStatus is a point-in-time snapshot of a job for pull-based queries.
type JobStatus struct {
	ID       string   `json:"id"`
	State    JobState `json:"state"`
	Progress float64  `json:"progress"`
	Error    string   `json:"error,omitempty"`
}

// Job is one submitted merge. Callers block on Wait for the outcome.
type Job struct {
	ID string

	videoPath  string
	audioPath  string
	outputPath string

	mu       sync.Mutex
	state    JobState
	progress float64
	err      error
	doneAt   time.Time

	done chan struct{}
}

// Wait blocks until the job reaches a terminal state or ctx expires. The
// job itself keeps running if the caller gives up waiting.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobStatus{ID: j.ID, State: j.state, Progress: j.progress}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *Job) setProgress(pct float64) {
	j.mu.Lock()
	j.progress = pct
	j.mu.Unlock()
}

// Scheduler admits merge jobs in FIFO order while keeping at most
// maxConcurrent encoders alive.
type Scheduler struct {
	runner Runner
	log    *slog.Logger

	mu      sync.Mutex
	queue   []*Job
	jobs    map[string]*Job
	running int
	max     int
}

// NewScheduler creates a Scheduler. A non-positive maxConcurrent falls back
// to DefaultMaxConcurrent.
func NewScheduler(runner Runner, maxConcurrent int, log *slog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Scheduler{
		runner: runner,
		log:    log,
		jobs:   make(map[string]*Job),
		max:    maxConcurrent,
	}
}

// Submit enqueues a merge job and returns immediately. The returned Job's
// Wait method blocks for the outcome.
func (s *Scheduler) Submit(videoPath, audioPath, outputPath string) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		videoPath:  videoPath,
		audioPath:  audioPath,
		outputPath: outputPath,
		state:      StateQueued,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.queue = append(s.queue, job)
	metrics.QueuedMerges.Set(float64(len(s.queue)))
	s.dispatchLocked()
	s.mu.Unlock()

	return job
}

// Merge submits a job and blocks for its outcome.
func (s *Scheduler) Merge(ctx context.Context, videoPath, audioPath, outputPath string) error {
	return s.Submit(videoPath, audioPath, outputPath).Wait(ctx)
}

// Status reports the current snapshot of a job, or false when the id is
// unknown or has been purged.
func (s *Scheduler) Status(id string) (JobStatus, bool) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return job.snapshot(), true
}

// StartJanitor purges terminal jobs older than the retention window until
// ctx is canceled.
func (s *Scheduler) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.purge(time.Now().Add(-retention))
			}
		}
	}()
}

func (s *Scheduler) purge(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		job.mu.Lock()
		terminal := job.state == StateCompleted || job.state == StateFailed
		expired := terminal && job.doneAt.Before(cutoff)
		job.mu.Unlock()
		if expired {
			delete(s.jobs, id)
		}
	}
}

// dispatchLocked starts queued jobs while capacity remains. The caller must
// hold s.mu.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.max && len(s.queue) > 0 {
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.running++

		job.mu.Lock()
		job.state = StateRunning
		job.mu.Unlock()

		metrics.QueuedMerges.Set(float64(len(s.queue)))
		metrics.ActiveMerges.Set(float64(s.running))

		go s.run(job)
	}
}

func (s *Scheduler) run(job *Job) {
	err := s.runner.Run(context.Background(), job.videoPath, job.audioPath, job.outputPath, job.setProgress)

	job.mu.Lock()
	if err != nil {
		job.state = StateFailed
		job.err = err
	} else {
		job.state = StateCompleted
		job.progress = 100
	}
	job.doneAt = time.Now()
	job.mu.Unlock()
	close(job.done)

	if err != nil {
		s.log.Error("Merge job failed", "job_id", job.ID, "error", err)
	} else {
		s.log.Info("Merge job completed", "job_id", job.ID, "output", job.outputPath)
	}

	s.mu.Lock()
	s.running--
	metrics.ActiveMerges.Set(float64(s.running))
	s.dispatchLocked()
	s.mu.Unlock()
}
