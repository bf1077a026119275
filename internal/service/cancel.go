package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/postcraft/internal/queue/streams"
	"github.com/redis/go-redis/v9"
)

// CancelFlags records cancellation requests where every worker can see
// them. Runs poll their flag between stages.
type CancelFlags interface {
	Raise(ctx context.Context, runID string, ttl time.Duration) error
	Raised(ctx context.Context, runID string) (bool, error)
	Clear(ctx context.Context, runID string) error
}

// RedisCancelFlags keeps one key per cancelled run.
type RedisCancelFlags struct {
	client redis.UniversalClient
	topo   streams.Topology
}

func NewRedisCancelFlags(client redis.UniversalClient, topo streams.Topology) *RedisCancelFlags {
	return &RedisCancelFlags{client: client, topo: topo}
}

func (f *RedisCancelFlags) Raise(ctx context.Context, runID string, ttl time.Duration) error {
	if err := f.client.Set(ctx, f.topo.CancelKey(runID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("raise cancel flag %s: %w", runID, err)
	}
	return nil
}

func (f *RedisCancelFlags) Raised(ctx context.Context, runID string) (bool, error) {
	n, err := f.client.Exists(ctx, f.topo.CancelKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("read cancel flag %s: %w", runID, err)
	}
	return n > 0, nil
}

func (f *RedisCancelFlags) Clear(ctx context.Context, runID string) error {
	if err := f.client.Del(ctx, f.topo.CancelKey(runID)).Err(); err != nil {
		return fmt.Errorf("clear cancel flag %s: %w", runID, err)
	}
	return nil
}

// Cancel requests cancellation of a run. A run executing in this process is
// stopped at its next stage boundary; with shared flags configured, runs on
// other workers and runs still queued are stopped too. The result reports
// whether the request could be delivered anywhere.
func (s *Service) Cancel(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	cancel, local := s.running[runID]
	s.mu.Unlock()
	if local {
		cancel()
	}
	if s.flags == nil {
		return local, nil
	}
	// The flag only needs to outlive the longest possible run.
	if err := s.flags.Raise(ctx, runID, s.settings.RunTimeout+time.Minute); err != nil {
		return local, err
	}
	return true, nil
}

// CancelAll stops every run executing in this process.
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
}

// Running reports whether a run is executing in this process.
func (s *Service) Running(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[runID]
	return ok
}

func (s *Service) track(runID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.running[runID]; dup {
		return false
	}
	s.running[runID] = cancel
	return true
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, runID)
}

// watchCancelFlag polls the shared flag until ctx ends and calls cancel
// when it is raised. The returned func stops the watcher.
func (s *Service) watchCancelFlag(ctx context.Context, runID string, cancel context.CancelFunc) func() {
	if s.flags == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.settings.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				raised, err := s.flags.Raised(ctx, runID)
				if err != nil {
					s.logger.Printf("warn: poll cancel flag for run %s: %v", runID, err)
					continue
				}
				if raised {
					s.logger.Printf("run %s cancel requested", runID)
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
