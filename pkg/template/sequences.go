package template

import "sync"

// SequenceStore manages auto-incrementing named counters backing
// {{sequence("name")}} expressions. Safe for concurrent use.
type SequenceStore struct {
	mu        sync.Mutex
	sequences map[string]int64
}

// NewSequenceStore creates an empty sequence store.
func NewSequenceStore() *SequenceStore {
	return &SequenceStore{sequences: make(map[string]int64)}
}

// Next returns the current value of a sequence and increments it. A sequence
// that does not exist yet starts at the given start value.
func (s *SequenceStore) Next(name string, start int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sequences[name]; !ok {
		s.sequences[name] = start
	}
	val := s.sequences[name]
	s.sequences[name]++
	return val
}

// Reset removes a sequence so it restarts from its start value on the next
// call to Next.
func (s *SequenceStore) Reset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, name)
}
