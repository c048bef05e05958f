package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/svc"
)

// Service wraps Driver as a svc.Service: on a fixed poll interval it
// invokes RunOnce, settling at most one batch per tick.
type Service struct {
	driver   *Driver
	interval time.Duration
	fatal    chan error

	mu     sync.RWMutex
	status svc.Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the scheduler around driver, polling every interval.
func NewService(driver *Driver, interval time.Duration) *Service {
	return &Service{driver: driver, interval: interval, fatal: make(chan error, 1), status: svc.StatusStopped}
}

// Fatal delivers the first unrecoverable on-chain failure (e.g. a
// commitment-hash mismatch the program permanently rejects). The daemon
// watches it to exit with a distinct status so operators can tell an
// on-chain mismatch from a clean shutdown.
func (s *Service) Fatal() <-chan error { return s.fatal }

func (s *Service) Name() string { return "settlement-driver" }

// Driver returns the underlying Driver, so callers like the API server
// can invoke operator-triggered retries outside the scheduler's tick.
func (s *Service) Driver() *Driver { return s.driver }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == svc.StatusRunning {
		return nil
	}
	s.status = svc.StatusStarting

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	s.status = svc.StatusRunning
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.driver.RunOnce(ctx); err != nil {
				if s.driver.log != nil {
					s.driver.log.Error("settlement pass failed", "error", err.Error())
				}
				if errs.IsSettlementError(err, errs.SettlementErrPermanentChain) {
					select {
					case s.fatal <- err:
					default:
					}
				}
			}
		}
	}
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.status = svc.StatusStopping
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.status = svc.StatusStopped
	s.mu.Unlock()
	return nil
}

func (s *Service) Status() svc.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) Health() error {
	if s.Status() != svc.StatusRunning {
		return fmt.Errorf("settlement driver not running")
	}
	return nil
}

func (s *Service) Dependencies() []string { return []string{"store", "rpc"} }
