// Package server assembles the polling server: configuration, the worker
// pool, the inbound control API, the telemetry aggregator, and the ping
// daemon channel.
package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"pollserv/pkg/api"
	"pollserv/pkg/config"
	"pollserv/pkg/pinger"
	"pollserv/pkg/poll"
	"pollserv/pkg/report"
	"pollserv/pkg/restauth"
)

// configPollInterval is how often the configuration file's modification
// time is checked for hot reload.
const configPollInterval = 5 * time.Second

// Server is the assembled polling server.
type Server struct {
	configPath string
	logger     *logrus.Logger

	outbound   *restauth.Client
	aggregator *report.Aggregator
	ping       *pinger.Controller
	pool       *poll.WorkerPool
	inbound    *api.API

	stopWatcher func()
}

// NewServer loads the configuration at path and builds the component
// tree. Applying the configuration already starts the inbound listener and
// connects to the pinger; Start only adds the configuration file watcher.
func NewServer(configPath string, logger *logrus.Logger) (*Server, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	outbound := restauth.NewClient(cfg.DatabaseServer, logger)
	aggregator := report.NewAggregator(outbound, logger)
	ping := pinger.NewController(logger)
	pool := poll.NewWorkerPool(0, aggregator, ping, logger)
	aggregator.SetStatusSource(pool)
	inbound := api.New(pool, logger)

	s := &Server{
		configPath: configPath,
		logger:     logger,
		outbound:   outbound,
		aggregator: aggregator,
		ping:       ping,
		pool:       pool,
		inbound:    inbound,
	}

	s.applyConfig(cfg)
	return s, nil
}

// Start begins watching the configuration file. The inbound listener and
// the pinger connection are already up from the initial applyConfig.
func (s *Server) Start() {
	s.stopWatcher = config.Watch(
		s.configPath,
		configPollInterval,
		s.applyConfig,
		func(err error) {
			// A configuration that went bad after startup is as fatal as
			// one that was bad at startup.
			s.logger.Fatalf("Configuration reload failed: %v", err)
		},
	)

	s.logger.Info("Polling server started.")
}

// Stop drains the workers, closes the pinger socket, and stops the
// inbound listener.
func (s *Server) Stop() {
	if s.stopWatcher != nil {
		s.stopWatcher()
	}

	s.inbound.Close()
	s.pool.Shutdown()
	s.aggregator.Close()

	s.logger.Info("Polling server stopped.")
}

// applyConfig pushes a loaded configuration into every component.
func (s *Server) applyConfig(cfg *config.Config) {
	s.inbound.SetSecret(cfg.InboundAPIKey)
	s.inbound.Reconfigure(cfg.InboundPort)

	s.outbound.Reconfigure(cfg.DatabaseServer, cfg.OutboundAPIKey)
	s.aggregator.SetServerIdentifier(cfg.ServerIdentifier)

	s.pool.SetDefaultHeaders(cfg.DefaultHeaders)
	s.pool.ConnectToPinger(cfg.PingerSocket)
}
