package kms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// stubProvider counts unwraps and records the associated data it saw.
type stubProvider struct {
	unwrap  func(wrapped, aad []byte) ([]byte, error)
	delay   time.Duration
	err     error
	secrets map[string]string

	calls atomic.Int64
	mu    sync.Mutex
	aads  []string
}

func (s *stubProvider) Wrap(_ context.Context, key, _ []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte("wrapped:"), key...), nil
}

func (s *stubProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.aads = append(s.aads, string(aad))
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.unwrap != nil {
		return s.unwrap(wrapped, aad)
	}
	return append([]byte("dek-"), wrapped...), nil
}

func (s *stubProvider) Secret(_ context.Context, name string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if v, ok := s.secrets[name]; ok {
		return v, nil
	}
	return "", errors.New("no secret " + name)
}
