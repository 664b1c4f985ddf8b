package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Supervisor periodically reclaims tasks whose worker stopped reporting
type Supervisor struct {
	logger   *zap.Logger
	queue    *Queue
	interval time.Duration
	timeout  time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a liveness supervisor for the queue
func NewSupervisor(queue *Queue, interval, timeout time.Duration, logger *zap.Logger) *Supervisor {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if timeout <= 0 {
		timeout = defaultLivenessTimeout
	}
	return &Supervisor{
		logger:   logger.Named("task-supervisor"),
		queue:    queue,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start starts the liveness check loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("Starting task supervisor",
		zap.Duration("interval", s.interval),
		zap.Duration("liveness_timeout", s.timeout))

	s.wg.Add(1)
	go s.checkLoop(ctx)
	return nil
}

// Stop stops the supervisor and waits for the loop to exit
func (s *Supervisor) Stop() {
	s.once.Do(func() {
		s.logger.Info("Stopping task supervisor")
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Supervisor) checkLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *Supervisor) check() {
	if n := s.queue.ReapOrphans(s.timeout); n > 0 {
		s.logger.Warn("Reclaimed orphaned tasks", zap.Int("count", n))
	}
}
