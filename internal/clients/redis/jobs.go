package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/lifelog-backend/internal/domain"
	"github.com/yungbote/lifelog-backend/internal/platform/logger"
)

const (
	uploadKeyPrefix = "upload:"
	jobKeyPrefix    = "processing_job:"
	stateTTL        = 24 * time.Hour
)

// JobTracker persists upload sessions and processing jobs so that status
// polls survive handler restarts. State is ephemeral by design: everything
// durable lives in the record store.
type JobTracker interface {
	PutUpload(ctx context.Context, s *domain.UploadSession) error
	GetUpload(ctx context.Context, uploadID string) (*domain.UploadSession, error)
	DeleteUpload(ctx context.Context, uploadID string) error

	PutJob(ctx context.Context, j *domain.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error)
	// UpdateJob applies mutate under the tracker's write lock and persists
	// the result. Missing jobs return domain.ErrNotFound.
	UpdateJob(ctx context.Context, jobID string, mutate func(*domain.ProcessingJob)) (*domain.ProcessingJob, error)
}

type jobTracker struct {
	log *logger.Logger
	rdb *goredis.Client
	mu  sync.Mutex
}

func NewJobTracker(log *logger.Logger) (JobTracker, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &jobTracker{
		log: log.With("service", "RedisJobTracker"),
		rdb: rdb,
	}, nil
}

func (t *jobTracker) PutUpload(ctx context.Context, s *domain.UploadSession) error {
	if s == nil || s.UploadID == "" {
		return domain.ErrInvalidInput
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, uploadKeyPrefix+s.UploadID, raw, stateTTL).Err()
}

func (t *jobTracker) GetUpload(ctx context.Context, uploadID string) (*domain.UploadSession, error) {
	raw, err := t.rdb.Get(ctx, uploadKeyPrefix+uploadID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s domain.UploadSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *jobTracker) DeleteUpload(ctx context.Context, uploadID string) error {
	return t.rdb.Del(ctx, uploadKeyPrefix+uploadID).Err()
}

func (t *jobTracker) PutJob(ctx context.Context, j *domain.ProcessingJob) error {
	if j == nil || j.JobID == "" {
		return domain.ErrInvalidInput
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return t.rdb.Set(ctx, jobKeyPrefix+j.JobID, raw, stateTTL).Err()
}

func (t *jobTracker) GetJob(ctx context.Context, jobID string) (*domain.ProcessingJob, error) {
	raw, err := t.rdb.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j domain.ProcessingJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (t *jobTracker) UpdateJob(ctx context.Context, jobID string, mutate func(*domain.ProcessingJob)) (*domain.ProcessingJob, error) {
	// Progress updates come from a single worker per job; the lock guards
	// against concurrent reconciler retries, not high contention.
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	mutate(j)
	if err := t.PutJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// memoryTracker backs single-process deployments and tests.
type memoryTracker struct {
	mu      sync.Mutex
	uploads map[string]domain.UploadSession
	jobs    map[string]domain.ProcessingJob
}

func NewMemoryTracker() JobTracker {
	return &memoryTracker{
		uploads: make(map[string]domain.UploadSession),
		jobs:    make(map[string]domain.ProcessingJob),
	}
}

func (t *memoryTracker) PutUpload(_ context.Context, s *domain.UploadSession) error {
	if s == nil || s.UploadID == "" {
		return domain.ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.uploads[s.UploadID] = *s
	return nil
}

func (t *memoryTracker) GetUpload(_ context.Context, uploadID string) (*domain.UploadSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.uploads[uploadID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := s
	return &out, nil
}

func (t *memoryTracker) DeleteUpload(_ context.Context, uploadID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.uploads, uploadID)
	return nil
}

func (t *memoryTracker) PutJob(_ context.Context, j *domain.ProcessingJob) error {
	if j == nil || j.JobID == "" {
		return domain.ErrInvalidInput
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[j.JobID] = *j
	return nil
}

func (t *memoryTracker) GetJob(_ context.Context, jobID string) (*domain.ProcessingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := j
	return &out, nil
}

func (t *memoryTracker) UpdateJob(_ context.Context, jobID string, mutate func(*domain.ProcessingJob)) (*domain.ProcessingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	mutate(&j)
	t.jobs[jobID] = j
	out := j
	return &out, nil
}
