package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

const checkTimeout = 5 * time.Second

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	checks map[string]Check
}

func NewService(parent context.Context) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		checks: make(map[string]Check),
	}
}

// AddCheck registers a named readiness check.
func (s *Service) AddCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

func (s *Service) Shutdown() {
	s.cancel()
}

func (s *Service) IsShuttingDown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns the service context for use in operations
func (s *Service) Context() context.Context {
	return s.ctx
}

// Result is the outcome of one readiness check.
type Result struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Ready runs every check concurrently and reports whether all passed.
func (s *Service) Ready(ctx context.Context) (bool, []Result) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make([]Check, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = s.checks[name]
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Result{Name: names[i], OK: true}
			if err := checks[i](ctx); err != nil {
				results[i] = Result{Name: names[i], Error: err.Error()}
			}
		}(i)
	}
	wg.Wait()

	ready := true
	for _, r := range results {
		ready = ready && r.OK
	}
	return ready, results
}
