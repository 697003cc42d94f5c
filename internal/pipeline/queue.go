package pipeline

import (
	"context"
	"sync"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// Task is one asset awaiting the stage chain. Weight is the share of job
// progress completing it contributes.
type Task struct {
	Device string
	Path   string
	Date   string
	JobID  string
	Weight float64
}

// Queue is the bounded buffer between ingest and the worker pool, plus
// the per-job completion bookkeeping. Enqueue never blocks: a full queue
// is the backpressure signal ingest propagates to the uploader.
type Queue struct {
	log       *logger.Logger
	tasks     chan Task
	highWater int

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	device    string
	total     int
	remaining int
	failed    int
	dates     map[string]struct{}
}

// jobSummary is the snapshot handed to whoever closes out the job.
type jobSummary struct {
	Device string
	Total  int
	Failed int
	Dates  []string
}

func NewQueue(log *logger.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		log:       log.With("service", "PipelineQueue"),
		tasks:     make(chan Task, capacity),
		highWater: capacity * 9 / 10,
		jobs:      make(map[string]*jobState),
	}
}

// RegisterJob must run before the job's first Enqueue so a fast worker
// cannot observe remaining hit zero early.
func (q *Queue) RegisterJob(jobID, device string, total int) {
	if jobID == "" || total <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[jobID] = &jobState{
		device:    device,
		total:     total,
		remaining: total,
		dates:     make(map[string]struct{}),
	}
}

func (q *Queue) Enqueue(_ context.Context, t Task) error {
	if t.Device == "" || t.Path == "" {
		return domain.ErrInvalidInput
	}
	select {
	case q.tasks <- t:
		return nil
	default:
		q.log.Warn("queue full, rejecting task", "device", t.Device, "path", t.Path)
		return domain.ErrQueueFull
	}
}

// EnqueueWait blocks until the task fits or the context ends. Archive
// completion uses it: the files are already on disk, so shedding them
// would only orphan bytes.
func (q *Queue) EnqueueWait(ctx context.Context, t Task) error {
	if t.Device == "" || t.Path == "" {
		return domain.ErrInvalidInput
	}
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Depth() int { return len(q.tasks) }

// Saturated reports whether ingest should start shedding load.
func (q *Queue) Saturated() bool { return len(q.tasks) >= q.highWater }

// finishTask accounts one completed task and reports whether the whole
// job just finished.
func (q *Queue) finishTask(t Task, taskErr error) (bool, jobSummary) {
	if t.JobID == "" {
		return false, jobSummary{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.jobs[t.JobID]
	if !ok {
		return false, jobSummary{}
	}
	st.remaining--
	if taskErr != nil {
		st.failed++
	}
	if t.Date != "" {
		st.dates[t.Date] = struct{}{}
	}
	if st.remaining > 0 {
		return false, jobSummary{}
	}
	delete(q.jobs, t.JobID)
	dates := make([]string, 0, len(st.dates))
	for d := range st.dates {
		dates = append(dates, d)
	}
	return true, jobSummary{Device: st.device, Total: st.total, Failed: st.failed, Dates: dates}
}
