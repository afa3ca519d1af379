package automation

import (
	"container/list"
	"sync"
	"time"

	"github.com/rezkam/renderflow/internal/domain"
)

// executionStore is the bounded in-memory record of automation runs.
// Executions are observational; the queue jobs they spawn are the durable
// record, so eviction loses nothing that matters.
type executionStore struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	order   *list.List // front = most recently added
	byID    map[string]*list.Element
	byJobID map[string]string // composite job id -> execution id
}

type executionEntry struct {
	execution *domain.Execution
	addedAt   time.Time
}

func newExecutionStore(max int, ttl time.Duration) *executionStore {
	return &executionStore{
		max:     max,
		ttl:     ttl,
		order:   list.New(),
		byID:    make(map[string]*list.Element),
		byJobID: make(map[string]string),
	}
}

func (s *executionStore) add(exec *domain.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.order.PushFront(&executionEntry{execution: exec, addedAt: time.Now()})
	s.byID[exec.ID] = elem
	if exec.JobID != "" {
		s.byJobID[exec.JobID] = exec.ID
	}

	for s.order.Len() > s.max {
		s.evict(s.order.Back())
	}
}

// evict removes the element; caller holds the lock.
func (s *executionStore) evict(elem *list.Element) {
	entry := s.order.Remove(elem).(*executionEntry)
	delete(s.byID, entry.execution.ID)
	if entry.execution.JobID != "" {
		delete(s.byJobID, entry.execution.JobID)
	}
}

func (s *executionStore) get(id string) (*domain.Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*executionEntry).execution, true
}

func (s *executionStore) getByJobID(jobID string) (*domain.Execution, bool) {
	s.mu.Lock()
	execID, ok := s.byJobID[jobID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return s.get(execID)
}

// update applies fn to the execution under the store lock.
func (s *executionStore) update(id string, fn func(*domain.Execution)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(elem.Value.(*executionEntry).execution)
	return true
}

func (s *executionStore) byAutomation(automationID string) []*domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Execution
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*executionEntry)
		if entry.execution.AutomationID == automationID {
			out = append(out, entry.execution)
		}
	}
	return out
}

func (s *executionStore) recent(limit int) []*domain.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Execution, 0, limit)
	for elem := s.order.Front(); elem != nil && len(out) < limit; elem = elem.Next() {
		out = append(out, elem.Value.(*executionEntry).execution)
	}
	return out
}

// cleanup evicts entries older than the TTL.
func (s *executionStore) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for elem := s.order.Back(); elem != nil; {
		entry := elem.Value.(*executionEntry)
		if now.Sub(entry.addedAt) <= s.ttl {
			break
		}
		prev := elem.Prev()
		s.evict(elem)
		evicted++
		elem = prev
	}
	return evicted
}

func (s *executionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
