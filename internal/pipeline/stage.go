package pipeline

import (
	"context"
	"sync"

	"github.com/ligun0805/jar-burn/internal/cache"
)

// FetchFunc loads a stage value for one parameter set.
type FetchFunc[P, T any] func(ctx context.Context, p P) (T, error)

// Stage owns one result slot. Every fetch is tagged with the canonical key
// of its parameters and a sequence number; a response is applied only when
// its key is still the wanted one and nothing newer has been applied.
type Stage[P, T any] struct {
	name  string
	fetch FetchFunc[P, T]
	keyOf func(P) string

	mu      sync.Mutex
	want    string
	wanted  bool
	seq     uint64
	applied uint64
	result  Result[T]
	good    *cache.TTL[T]
}

func NewStage[P, T any](name string, keyOf func(P) string, fetch func(ctx context.Context, p P) (T, error)) *Stage[P, T] {
	return &Stage[P, T]{
		name:  name,
		fetch: fetch,
		keyOf: keyOf,
		good:  cache.New[T](0),
	}
}

func (s *Stage[P, T]) Name() string { return s.name }

// Run fetches for p and applies the response unless it went stale meanwhile.
// It returns the stage result after the attempt and whether this response was applied.
func (s *Stage[P, T]) Run(ctx context.Context, p P) (Result[T], bool) {
	key := s.keyOf(p)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	if !s.wanted || key != s.want {
		s.want = key
		s.wanted = true
		s.good.Retain([]string{key})
	}
	s.result = PendingResult[T]()
	s.mu.Unlock()

	v, err := s.fetch(ctx, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if key != s.want || seq < s.applied {
		return s.result, false
	}
	s.applied = seq
	if err != nil {
		s.result = Failure[T](err)
	} else {
		s.result = Success(v)
		s.good.Replace(key, v)
	}
	return s.result, true
}

// Result is the state of the latest applied fetch, Pending while one is in flight.
func (s *Stage[P, T]) Result() Result[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Last returns the most recent successful value for the wanted key.
// It survives later failures for the same key and is dropped when the key changes.
func (s *Stage[P, T]) Last() (T, bool) {
	s.mu.Lock()
	key, wanted := s.want, s.wanted
	s.mu.Unlock()
	if !wanted {
		var zero T
		return zero, false
	}
	return s.good.Get(key)
}
