package inmemorystore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vk/comfyjob/internal/job"
	"github.com/vk/comfyjob/internal/jobstore"
)

// Store is an in-memory implementation of jobstore.Store.
//
// records maps job id strings to *entry. Each entry guards its own record,
// so updates to different jobs never contend.
type Store struct {
	records sync.Map // Key: job id string, Value: *entry
	now     func() time.Time
}

type entry struct {
	mu     sync.Mutex
	record jobstore.Record
}

// New creates a new, empty in-memory job store.
func New() *Store {
	return &Store{now: time.Now}
}

var _ jobstore.Store = (*Store)(nil)

// Put registers a new job as IN_QUEUE.
func (s *Store) Put(ctx context.Context, id string) error {
	now := s.now()
	e := &entry{record: jobstore.Record{ID: id, Status: jobstore.StatusInQueue, CreatedAt: now, UpdatedAt: now}}
	if _, loaded := s.records.LoadOrStore(id, e); loaded {
		return fmt.Errorf("job %q: %w", id, jobstore.ErrExists)
	}
	return nil
}

// SetStatus moves a job to a non-terminal status.
func (s *Store) SetStatus(ctx context.Context, id string, status jobstore.Status) error {
	if status == jobstore.StatusCompleted || status == jobstore.StatusFailed {
		return fmt.Errorf("status %s requires a result", status)
	}
	return s.update(id, func(r *jobstore.Record) {
		r.Status = status
	})
}

// SetResult records the outcome of a job.
func (s *Store) SetResult(ctx context.Context, id string, result job.Result) error {
	return s.update(id, func(r *jobstore.Record) {
		r.Status = jobstore.StatusOf(result)
		r.Output = cloneResult(&result)
	})
}

// cloneResult copies res so that callers never share its slices with the
// store.
func cloneResult(res *job.Result) *job.Result {
	if res == nil {
		return nil
	}
	out := *res
	out.OutputImages = slices.Clone(res.OutputImages)
	out.OutputURLs = slices.Clone(res.OutputURLs)
	return &out
}

// Get returns a copy of the record.
func (s *Store) Get(ctx context.Context, id string) (jobstore.Record, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return jobstore.Record{}, jobstore.ErrNotFound
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.record
	record.Output = cloneResult(record.Output)
	return record, nil
}

func (s *Store) update(id string, fn func(*jobstore.Record)) error {
	v, ok := s.records.Load(id)
	if !ok {
		return fmt.Errorf("job %q: %w", id, jobstore.ErrNotFound)
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.record)
	e.record.UpdatedAt = s.now()
	return nil
}
