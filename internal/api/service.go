// internal/api/service.go
package api

import (
	"context"
	"fmt"

	"github.com/LabsX402/phantom-paradox-sub002/internal/admission"
	"github.com/LabsX402/phantom-paradox-sub002/internal/netting"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/svc"
	"github.com/LabsX402/phantom-paradox-sub002/internal/policy"
	"github.com/LabsX402/phantom-paradox-sub002/internal/security"
	"github.com/LabsX402/phantom-paradox-sub002/internal/settlement"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
)

// Service wraps Server as a svc.Service so cmd/netsettled can start and
// stop it through the same Registry as the Netting Engine and
// Settlement Driver.
type Service struct {
	server *Server
	status svc.Status

	cfg              *config.Config
	store            store.Store
	admission        *admission.Controller
	netting          *netting.Engine
	settlement       *settlement.Driver
	policies         *policy.Registry
	securityManager  *security.SecurityManager
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
}

// NewService builds the API Service from the engine's core components.
func NewService(
	cfg *config.Config,
	s store.Store,
	ctrl *admission.Controller,
	nettingEngine *netting.Engine,
	settlementDriver *settlement.Driver,
	policies *policy.Registry,
	securityManager *security.SecurityManager,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
) *Service {
	return &Service{
		status:           svc.StatusStopped,
		cfg:              cfg,
		store:            s,
		admission:        ctrl,
		netting:          nettingEngine,
		settlement:       settlementDriver,
		policies:         policies,
		securityManager:  securityManager,
		logger:           logger,
		metricsCollector: metricsCollector,
	}
}

func (s *Service) Name() string { return "api" }

func (s *Service) Start(ctx context.Context) error {
	s.status = svc.StatusStarting

	s.server = NewServer(
		s.cfg, s.store, s.admission, s.netting, s.settlement,
		s.policies, s.securityManager, s.logger, s.metricsCollector,
	)

	go s.server.Start()

	s.status = svc.StatusRunning
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.status = svc.StatusStopping
	if s.server != nil {
		s.server.Shutdown(ctx)
	}
	s.status = svc.StatusStopped
	return nil
}

func (s *Service) Status() svc.Status { return s.status }

func (s *Service) Health() error {
	if s.status != svc.StatusRunning {
		return fmt.Errorf("service not running")
	}
	if s.server == nil {
		return fmt.Errorf("server not initialized")
	}
	return nil
}

func (s *Service) Dependencies() []string { return []string{"store"} }
