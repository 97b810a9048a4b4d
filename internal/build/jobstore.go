package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"zkgate/pkg/platform/sentinel"
)

// JobStore persists job state. Get returns sentinel.ErrNotFound for unknown
// or expired jobs.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

type memoryEntry struct {
	job     *Job
	expires time.Time
}

// InMemoryJobStore keeps jobs for ttl after their last save.
type InMemoryJobStore struct {
	mu    sync.Mutex
	jobs  map[string]memoryEntry
	ttl   time.Duration
	clock func() time.Time
}

func NewInMemoryJobStore(ttl time.Duration) *InMemoryJobStore {
	return &InMemoryJobStore{jobs: make(map[string]memoryEntry), ttl: ttl, clock: time.Now}
}

func (s *InMemoryJobStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for id, e := range s.jobs {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(s.jobs, id)
		}
	}
	var expires time.Time
	if s.ttl > 0 {
		expires = now.Add(s.ttl)
	}
	s.jobs[job.ID] = memoryEntry{job: job.clone(), expires: expires}
	return nil
}

func (s *InMemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || (!e.expires.IsZero() && !s.clock().Before(e.expires)) {
		return nil, sentinel.ErrNotFound
	}
	return e.job.clone(), nil
}

const jobKeyPrefix = "build:job:"

// RedisJobStore stores each job as a JSON value with a TTL.
type RedisJobStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisJobStore(client redis.UniversalClient, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, ttl: ttl}
}

func (s *RedisJobStore) Save(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := s.client.Set(ctx, jobKeyPrefix+job.ID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*Job, error) {
	b, err := s.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
