package store

import (
	"context"
	"strings"
	"sync"

	"walletmesh/internal/domain"
)

// Mem is an in-memory KV for tests and throwaway processes.
type Mem struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMem() *Mem {
	return &Mem{m: make(map[string][]byte)}
}

func (s *Mem) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Mem) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Mem) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *Mem) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Compile-time assertion that Mem implements domain.KV.
var _ domain.KV = (*Mem)(nil)
