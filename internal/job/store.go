package job

import (
	"cmp"
	"slices"
	"sync"
)

// Store holds live jobs. Every method returning jobs returns copies.
type Store interface {
	Insert(j *Job) error
	Get(id string) (*Job, error)
	// ListByStatus returns jobs ordered by priority desc, then created_at asc.
	ListByStatus(status Status) []*Job
	ListByOwner(ownerRef string) []*Job
	// Update applies fn under the job's exclusive lock. If fn returns an
	// error the job is left unchanged and the error is returned.
	Update(id string, fn func(j *Job) error) (*Job, error)
	Remove(id string) error
	CountByStatus() map[Status]int
}

type entry struct {
	mu  sync.Mutex
	job *Job
	seq uint64
}

// MemoryStore is the in-memory Store. Jobs are locked individually; the
// index lock is only held for map bookkeeping and never while a job
// mutator runs.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	byOwner  map[string]map[string]struct{}
	byStatus map[Status]map[string]struct{}
	seq      uint64
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[string]*entry),
		byOwner:  make(map[string]map[string]struct{}),
		byStatus: make(map[Status]map[string]struct{}),
	}
	for _, st := range Statuses {
		s.byStatus[st] = make(map[string]struct{})
	}
	return s
}

func (s *MemoryStore) Insert(j *Job) error {
	if j.Status != StatusPending {
		return &InvalidJobError{Field: "status", Reason: "must be pending on insert"}
	}
	if j.ID == "" {
		return &InvalidJobError{Field: "id", Reason: "must not be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[j.ID]; ok {
		return &InvalidJobError{Field: "id", Reason: "already exists"}
	}
	s.seq++
	s.entries[j.ID] = &entry{job: j.Clone(), seq: s.seq}
	s.index(s.byOwner, j.OwnerRef, j.ID)
	s.byStatus[j.Status][j.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) index(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(id string) (*Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return nil, &NotFoundError{ID: id}
	}
	return e.job.Clone(), nil
}

type snapshot struct {
	job *Job
	seq uint64
}

// collect snapshots the entries named by ids. Entries removed in between are skipped.
func (s *MemoryStore) collect(ids []string) []snapshot {
	out := make([]snapshot, 0, len(ids))
	for _, id := range ids {
		e, ok := s.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.job != nil {
			out = append(out, snapshot{job: e.job.Clone(), seq: e.seq})
		}
		e.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) idsOf(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) ListByStatus(status Status) []*Job {
	s.mu.RLock()
	ids := s.idsOf(s.byStatus[status])
	s.mu.RUnlock()

	snaps := s.collect(ids)
	jobs := make([]*Job, 0, len(snaps))
	// A job may change status between the index read and its snapshot.
	snaps = slices.DeleteFunc(snaps, func(sn snapshot) bool { return sn.job.Status != status })
	slices.SortFunc(snaps, func(a, b snapshot) int {
		if c := cmp.Compare(b.job.Priority, a.job.Priority); c != 0 {
			return c
		}
		if c := a.job.CreatedAt.Compare(b.job.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	for _, sn := range snaps {
		jobs = append(jobs, sn.job)
	}
	return jobs
}

// ListByOwner returns the owner's jobs in insertion order.
func (s *MemoryStore) ListByOwner(ownerRef string) []*Job {
	s.mu.RLock()
	ids := s.idsOf(s.byOwner[ownerRef])
	s.mu.RUnlock()

	snaps := s.collect(ids)
	slices.SortFunc(snaps, func(a, b snapshot) int { return cmp.Compare(a.seq, b.seq) })
	jobs := make([]*Job, 0, len(snaps))
	for _, sn := range snaps {
		jobs = append(jobs, sn.job)
	}
	return jobs
}

func (s *MemoryStore) Update(id string, fn func(j *Job) error) (*Job, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return nil, &NotFoundError{ID: id}
	}

	next := e.job.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = e.job.ID
	next.OwnerRef = e.job.OwnerRef

	if next.Status != e.job.Status {
		s.mu.Lock()
		delete(s.byStatus[e.job.Status], id)
		s.byStatus[next.Status][id] = struct{}{}
		s.mu.Unlock()
	}
	e.job = next
	return next.Clone(), nil
}

func (s *MemoryStore) Remove(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return &NotFoundError{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return &NotFoundError{ID: id}
	}

	s.mu.Lock()
	delete(s.entries, id)
	delete(s.byStatus[e.job.Status], id)
	if set := s.byOwner[e.job.OwnerRef]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byOwner, e.job.OwnerRef)
		}
	}
	s.mu.Unlock()
	e.job = nil
	return nil
}

func (s *MemoryStore) CountByStatus() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int, len(s.byStatus))
	for st, set := range s.byStatus {
		counts[st] = len(set)
	}
	return counts
}
