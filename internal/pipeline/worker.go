package pipeline

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	redisclient "github.com/yungbote/lifelog-backend/internal/clients/redis"
	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

// Resegmenter recomputes segment boundaries for one device-date after the
// pipeline lands new embeddings.
type Resegmenter interface {
	Resegment(ctx context.Context, device, date string) error
}

// Worker drains the queue with a fixed pool. Each finished task bumps job
// progress by its weight; the task that empties a job triggers
// segmentation for every touched date and closes the job out.
type Worker struct {
	log         *logger.Logger
	queue       *Queue
	proc        Processor
	tracker     redisclient.JobTracker
	seg         Resegmenter
	concurrency int
}

func NewWorker(log *logger.Logger, queue *Queue, proc Processor, tracker redisclient.JobTracker, seg Resegmenter, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		log:         log.With("service", "PipelineWorker"),
		queue:       queue,
		proc:        proc,
		tracker:     tracker,
		seg:         seg,
		concurrency: concurrency,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case t := <-w.queue.tasks:
					w.handle(gctx, t)
				}
			}
		})
	}
	return g.Wait()
}

func (w *Worker) handle(ctx context.Context, t Task) {
	err := w.safeProcess(ctx, t)
	if err != nil {
		w.log.Error("task failed", "device", t.Device, "path", t.Path, "job", t.JobID, "error", err)
	}

	if t.JobID == "" {
		// Single-file uploads carry no job; segment their date directly.
		if err == nil && t.Date != "" && w.seg != nil {
			if segErr := w.seg.Resegment(ctx, t.Device, t.Date); segErr != nil {
				w.log.Error("resegment failed", "device", t.Device, "date", t.Date, "error", segErr)
			}
		}
		return
	}

	if err == nil && w.tracker != nil {
		if _, upErr := w.tracker.UpdateJob(ctx, t.JobID, func(j *domain.ProcessingJob) {
			j.Progress += t.Weight
			if j.Progress > 0.99 {
				j.Progress = 0.99
			}
		}); upErr != nil {
			w.log.Warn("job progress update failed", "job", t.JobID, "error", upErr)
		}
	}

	done, summary := w.queue.finishTask(t, err)
	if done {
		w.finishJob(ctx, t.JobID, summary)
	}
}

func (w *Worker) safeProcess(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return w.proc.Process(ctx, t.Device, t.Path)
}

func (w *Worker) finishJob(ctx context.Context, jobID string, s jobSummary) {
	sort.Strings(s.Dates)
	for _, date := range s.Dates {
		if w.seg == nil {
			break
		}
		if err := w.seg.Resegment(ctx, s.Device, date); err != nil {
			w.log.Error("resegment failed", "device", s.Device, "date", date, "error", err)
		}
	}

	status := domain.JobDone
	message := ""
	if s.Total > 0 && s.Failed == s.Total {
		status = domain.JobError
		message = "all files failed processing"
	} else if s.Failed > 0 {
		message = fmt.Sprintf("%d of %d files skipped", s.Failed, s.Total)
	}

	if w.tracker == nil {
		return
	}
	if _, err := w.tracker.UpdateJob(ctx, jobID, func(j *domain.ProcessingJob) {
		j.Status = status
		j.Progress = 1.0
		j.Message = message
	}); err != nil {
		w.log.Error("job finalize failed", "job", jobID, "error", err)
	}
	w.log.Info("job finished", "job", jobID, "status", string(status), "failed", s.Failed, "total", s.Total)
}
