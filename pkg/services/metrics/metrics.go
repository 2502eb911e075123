package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/karmacadabra/karma-go/pkg/config"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Service serves one monitoring endpoint on every configured address.
type Service struct {
	servers     []*http.Server
	config      config.BasicService
	log         *zap.Logger
	serviceType string
	started     *atomic.Bool
}

// NewService configures a service from servers with handlers already
// bound.
func NewService(name string, srvs []*http.Server, cfg config.BasicService, log *zap.Logger) *Service {
	return &Service{
		servers:     srvs,
		config:      cfg,
		log:         log.With(zap.String("service", name)),
		serviceType: name,
		started:     atomic.NewBool(false),
	}
}

// Start binds every configured address and serves in the background. A
// disabled service starts nothing and returns nil.
func (ms *Service) Start() error {
	if !ms.config.Enabled {
		ms.log.Info("service hasn't started since it's disabled")
		return nil
	}
	if !ms.started.CompareAndSwap(false, true) {
		ms.log.Info("service already started")
		return nil
	}
	for _, srv := range ms.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
		srv.Addr = ln.Addr().String()
		ms.log.Info("service is running", zap.String("endpoint", srv.Addr))
		go func(s *http.Server) {
			err := s.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				ms.log.Error("failed to serve", zap.Error(err))
			}
		}(srv)
	}
	return nil
}

// ShutDown stops every listener. It is a no-op for a disabled or never
// started service.
func (ms *Service) ShutDown() {
	if !ms.config.Enabled || !ms.started.CompareAndSwap(true, false) {
		return
	}
	for _, srv := range ms.servers {
		ms.log.Info("shutting down service", zap.String("endpoint", srv.Addr))
		if err := srv.Shutdown(context.Background()); err != nil {
			ms.log.Error("can't shut service down", zap.Error(err))
		}
	}
}

// Addresses returns the listen addresses, resolved to the real ports
// after Start binds ":0" style configurations.
func (ms *Service) Addresses() []string {
	addrs := make([]string, len(ms.servers))
	for i, srv := range ms.servers {
		addrs[i] = srv.Addr
	}
	return addrs
}
