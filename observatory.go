// Package observatory holds helpers shared by every part of the scenario
// director: stack-carrying errors and a lock-guarded map.
package observatory

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	var tracer stackTracer
	if errors.As(err, &tracer) {
		for _, f := range tracer.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// WaitForCondition polls condition every interval until it returns true, the
// timeout expires, or ctx is cancelled. The condition is always checked once
// more at the deadline. A cancelled ctx returns its cause.
func WaitForCondition(ctx context.Context, timeout time.Duration, interval time.Duration, condition func() bool) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, context.Cause(ctx)
		case <-time.After(min(interval, remaining)):
		}
	}
}

// SyncMap is a map guarded by a RWMutex, safe to share between the control
// goroutine and sensor goroutines.
type SyncMap[K comparable, V any] struct {
	m     map[K]V
	order []K
	mutex sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: map[K]V{},
	}
}

// Each yields entries in insertion order.
func (s *SyncMap[K, V]) Each() iter.Seq2[K, V] {
	return func(yield func(k K, v V) bool) {
		s.mutex.RLock()
		keys := append([]K(nil), s.order...)
		values := make([]V, len(keys))
		for i, k := range keys {
			values[i] = s.m[k]
		}
		s.mutex.RUnlock()
		for i, k := range keys {
			if !yield(k, values[i]) {
				return
			}
		}
	}
}

func (s *SyncMap[K, V]) GetHas(key K) (V, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, found := s.m[key]
	return v, found
}

func (s *SyncMap[K, V]) Set(key K, value V) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, found := s.m[key]; !found {
		s.order = append(s.order, key)
	}
	s.m[key] = value
}

// GetOrSet returns the existing value for key, or stores and returns the
// result of create. The bool is true if create was called.
func (s *SyncMap[K, V]) GetOrSet(key K, create func() V) (V, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if v, found := s.m[key]; found {
		return v, false
	}
	v := create()
	s.m[key] = v
	s.order = append(s.order, key)
	return v, true
}
