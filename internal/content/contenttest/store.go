// Package contenttest provides an in-memory content store for tests.
package contenttest

import (
	"context"
	"errors"
	"sync"

	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
)

// Store is an in-memory content.Fetcher and content.Publisher.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FetchErr fails every fetch, simulating an unreachable gateway.
	FetchErr error
}

func NewStore() *Store {
	return &Store{objects: make(map[string][]byte)}
}

func (s *Store) Publish(_ context.Context, data []byte) (string, error) {
	id, err := content.RawCID(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id.String()] = append([]byte(nil), data...)
	return id.String(), nil
}

// PutAt stores data under an arbitrary id.
func (s *Store) PutAt(contentID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[contentID] = append([]byte(nil), data...)
}

func (s *Store) Fetch(_ context.Context, contentID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	data, ok := s.objects[contentID]
	if !ok {
		return nil, content.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

var ErrUnreachable = errors.New("contenttest: gateway unreachable")
