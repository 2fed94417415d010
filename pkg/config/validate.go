package config

import (
	"fmt"
	"net"
	"time"
)

// Validate checks the HTTP listen address resolves.
func (s *ServerConfig) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", s.Addr); err != nil {
		return fmt.Errorf("server.addr invalid (expected :port or ip:port), got %s: %w", s.Addr, err)
	}
	return nil
}

// Validate bounds the scheduler knobs to sane operational ranges.
func (s *SchedulerConfig) Validate() error {
	if s.Tick < time.Second || s.Tick > time.Hour {
		return fmt.Errorf("scheduler.tick must be between 1s and 1h, got %s", s.Tick)
	}
	if s.MaxConcurrent > 256 {
		return fmt.Errorf("scheduler.max_concurrent must be at most 256, got %d", s.MaxConcurrent)
	}
	if s.CollectTimeout > 10*time.Minute {
		return fmt.Errorf("scheduler.collect_timeout must be at most 10m, got %s", s.CollectTimeout)
	}
	if s.HistoryLimit > 1000 {
		return fmt.Errorf("scheduler.history_limit must be at most 1000, got %d", s.HistoryLimit)
	}
	return nil
}
