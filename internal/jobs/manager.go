package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
)

// State is a job lifecycle state.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Progress is a point-in-time report from a running job.
type Progress struct {
	Docs    int    `json:"docs"`
	Message string `json:"message,omitempty"`
}

// Job is one tracked background build.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	Progress   Progress   `json:"progress"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	cancel context.CancelFunc
}

// Event is one job state change or progress report, fanned out to
// subscribers.
type Event struct {
	JobID     string   `json:"job_id"`
	Kind      string   `json:"kind"`
	State     State    `json:"state"`
	Progress  Progress `json:"progress"`
	Error     string   `json:"error,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Runner does the actual work of a job, reporting through report. The
// context is canceled when the job or the manager shuts down.
type Runner func(ctx context.Context, report func(Progress)) error

// Manager runs background jobs and fans their progress out to
// subscribers.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	subs    map[int]chan Event
	nextSub int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logging.Logger
	m   *metrics.Metrics
}

// NewManager creates a job manager.
func NewManager(log *logging.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:   make(map[string]*Job),
		subs:   make(map[int]chan Event),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
		m:      m,
	}
}

// Submit registers a job and starts it in the background, returning a
// snapshot of the fresh record.
func (mgr *Manager) Submit(kind string, run Runner) Job {
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     StatePending,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithCancel(mgr.ctx)
	job.cancel = cancel

	mgr.mu.Lock()
	mgr.jobs[job.ID] = job
	snapshot := *job
	mgr.mu.Unlock()
	mgr.publish(snapshot)

	mgr.wg.Add(1)
	go mgr.execute(ctx, job.ID, run)
	return snapshot
}

func (mgr *Manager) execute(ctx context.Context, id string, run Runner) {
	defer mgr.wg.Done()

	mgr.transition(id, func(j *Job) {
		now := time.Now()
		j.State = StateRunning
		j.StartedAt = &now
	})
	mgr.log.Info("job started", zap.String("job_id", id))

	err := run(ctx, func(p Progress) {
		mgr.transition(id, func(j *Job) {
			j.Progress = p
		})
	})

	status := "done"
	if err != nil {
		status = "failed"
	}
	if mgr.m != nil {
		mgr.m.RecordJobDone(status)
	}

	mgr.transition(id, func(j *Job) {
		now := time.Now()
		j.FinishedAt = &now
		if err != nil {
			j.State = StateFailed
			j.Error = err.Error()
		} else {
			j.State = StateDone
		}
	})
	if err != nil {
		mgr.log.Error("job failed", zap.String("job_id", id), zap.Error(err))
	} else {
		mgr.log.Info("job done", zap.String("job_id", id))
	}
}

// transition mutates a job under the lock and publishes the new state.
func (mgr *Manager) transition(id string, mutate func(*Job)) {
	mgr.mu.Lock()
	job, ok := mgr.jobs[id]
	if !ok {
		mgr.mu.Unlock()
		return
	}
	mutate(job)
	snapshot := *job
	running := 0
	for _, j := range mgr.jobs {
		if j.State == StateRunning {
			running++
		}
	}
	mgr.mu.Unlock()

	if mgr.m != nil {
		mgr.m.SetJobsActive(running)
	}
	mgr.publish(snapshot)
}

func (mgr *Manager) publish(j Job) {
	ev := Event{
		JobID:     j.ID,
		Kind:      j.Kind,
		State:     j.State,
		Progress:  j.Progress,
		Error:     j.Error,
		Timestamp: time.Now().Unix(),
	}

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, ch := range mgr.subs {
		// A slow subscriber loses events rather than stalling the build.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Get returns a snapshot of a job by ID.
func (mgr *Manager) Get(id string) (Job, bool) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	job, ok := mgr.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// List returns snapshots of all jobs, newest first.
func (mgr *Manager) List() []Job {
	mgr.mu.RLock()
	out := make([]Job, 0, len(mgr.jobs))
	for _, j := range mgr.jobs {
		out = append(out, *j)
	}
	mgr.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Cancel requests cancellation of a running job. Returns false when the
// job is unknown or already finished.
func (mgr *Manager) Cancel(id string) bool {
	mgr.mu.RLock()
	job, ok := mgr.jobs[id]
	var cancel context.CancelFunc
	if ok && (job.State == StatePending || job.State == StateRunning) {
		cancel = job.cancel
	}
	mgr.mu.RUnlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Subscribe registers an event channel. The returned cancel func
// unsubscribes and closes the channel; call it exactly once.
func (mgr *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	mgr.mu.Lock()
	if mgr.closed {
		mgr.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := mgr.nextSub
	mgr.nextSub++
	mgr.subs[id] = ch
	mgr.mu.Unlock()

	return ch, func() {
		mgr.mu.Lock()
		if _, ok := mgr.subs[id]; ok {
			delete(mgr.subs, id)
			close(ch)
		}
		mgr.mu.Unlock()
	}
}

// Close cancels all running jobs, waits for them, and closes every
// subscriber channel.
func (mgr *Manager) Close() {
	mgr.cancel()
	mgr.wg.Wait()

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.closed {
		return
	}
	mgr.closed = true
	for id, ch := range mgr.subs {
		delete(mgr.subs, id)
		close(ch)
	}
}
