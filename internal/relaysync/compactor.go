package relaysync

import (
	"context"
	"time"
)

const compactTimeout = time.Minute

func (s *Store) startCompactor() {
	s.wg.Add(1)
	go s.compactLoop()
}

func (s *Store) compactLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.runCompaction()
		}
	}
}

func (s *Store) runCompaction() {
	ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	horizon := s.now().Add(-s.compactRetention)
	started := time.Now()
	stats, err := s.Compact(ctx, horizon)
	if err != nil {
		s.logger.Error("change log compaction failed", "err", err)
		return
	}
	if stats.Removed > 0 {
		s.logger.Info("compacted change log", "items", stats.Items, "removed", stats.Removed, "took", time.Since(started))
	}
}
