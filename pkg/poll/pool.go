package poll

import (
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"pollserv/pkg/report"
)

// WorkerPool owns the HTTP workers and the ping controller, places
// customers onto the least-loaded worker, and tracks the server's
// activation state. It is the single consumer of the "controllable"
// surface the workers and ping controller expose.
type WorkerPool struct {
	workers   []*HttpWorker
	ping      PingRegistrar
	telemetry Telemetry

	statusMutex sync.Mutex
	status      report.ServerStatusCode

	logger *logrus.Logger
}

// NewWorkerPool builds max(1, maximumWorkers) workers that share the given
// ping registrar. Zero maximumWorkers means one worker per logical core. The
// worker count is fixed for the process lifetime.
func NewWorkerPool(
	maximumWorkers uint,
	telemetry Telemetry,
	ping PingRegistrar,
	logger *logrus.Logger,
) *WorkerPool {
	if maximumWorkers == 0 {
		maximumWorkers = uint(runtime.NumCPU())
	}
	if maximumWorkers < 1 {
		maximumWorkers = 1
	}

	pool := &WorkerPool{
		ping:      ping,
		telemetry: telemetry,
		status:    report.ServerStatusInactive,
		logger:    logger,
	}

	for i := 0; i < int(maximumWorkers); i++ {
		pool.workers = append(pool.workers, NewHttpWorker(i, telemetry, logger))
	}

	return pool
}

// ConnectToPinger attaches the ping controller to the daemon socket.
func (p *WorkerPool) ConnectToPinger(socketName string) {
	p.ping.Connect(socketName)
}

// SetDefaultHeaders distributes a fresh default-header snapshot to every
// worker.
func (p *WorkerPool) SetDefaultHeaders(headers map[string]string) {
	for _, worker := range p.workers {
		worker.SetDefaultHeaders(headers)
	}
}

// HostSchemesPerSecond returns the aggregate polling rate across all
// workers.
func (p *WorkerPool) HostSchemesPerSecond() float64 {
	total := 0.0
	for _, worker := range p.workers {
		total += worker.HostSchemesPerSecond()
	}
	return total
}

// StatusCode returns the current server state for telemetry headers.
func (p *WorkerPool) StatusCode() report.ServerStatusCode {
	p.statusMutex.Lock()
	defer p.statusMutex.Unlock()
	return p.status
}

// LoadingData merges every worker's loading snapshots, keyed by signed
// polling interval.
func (p *WorkerPool) LoadingData() map[int][]LoadingData {
	result := make(map[int][]LoadingData)
	for _, worker := range p.workers {
		for signedInterval, data := range worker.LoadingData() {
			result[signedInterval] = append(result[signedInterval], data...)
		}
	}
	return result
}

// AddCustomer places a customer on the worker with the lowest service
// rate, ties broken by lowest index, and registers its hosts with the
// ping daemon when the customer's plan includes ping testing.
func (p *WorkerPool) AddCustomer(customer *Customer) {
	best := p.workers[0]
	bestRate := best.HostSchemesPerSecond()
	for _, worker := range p.workers[1:] {
		rate := worker.HostSchemesPerSecond()
		if rate < bestRate {
			best = worker
			bestRate = rate
		}
	}

	best.AddCustomer(customer)

	if customer.SupportsPingTesting() {
		for _, hostScheme := range customer.HostSchemes() {
			p.ping.AddHost(
				uint32(customer.CustomerID()),
				uint32(hostScheme.HostSchemeID()),
				hostScheme.URL().Hostname(),
			)
		}
	}

	p.logger.Infof(
		"Added customer %d, ping: %t, ssl: %t, latency: %t, multi-region: %t, "+
			"polling-interval: %d sec, paused: %t, hosts: %d, monitors: %d",
		customer.CustomerID(),
		customer.SupportsPingTesting(),
		customer.SupportsSslExpirationChecking(),
		customer.SupportsLatencyMeasurements(),
		customer.SupportsMultiRegionTesting(),
		customer.PollingInterval(),
		customer.Paused(),
		customer.NumberHostSchemes(),
		customer.NumberMonitors(),
	)
}

// RemoveCustomer probes the workers in order until one owns the customer,
// then drops the customer's hosts from the ping daemon. Returns false for
// an unknown customer.
func (p *WorkerPool) RemoveCustomer(customerID CustomerID) bool {
	success := false
	for _, worker := range p.workers {
		if worker.RemoveCustomer(customerID) {
			success = true
			break
		}
	}

	p.ping.RemoveCustomer(uint32(customerID))

	if success {
		p.logger.Infof("Removed customer %d", customerID)
	}

	return success
}

// GetCustomer finds a customer on any worker, or nil.
func (p *WorkerPool) GetCustomer(customerID CustomerID) *Customer {
	for _, worker := range p.workers {
		if customer := worker.GetCustomer(customerID); customer != nil {
			return customer
		}
	}
	return nil
}

// GetHostScheme finds a host/scheme on any worker, or nil.
func (p *WorkerPool) GetHostScheme(hostSchemeID HostSchemeID) *HostScheme {
	for _, worker := range p.workers {
		if hostScheme := worker.GetHostScheme(hostSchemeID); hostScheme != nil {
			return hostScheme
		}
	}
	return nil
}

// GetMonitor finds a monitor on any worker, or nil.
func (p *WorkerPool) GetMonitor(monitorID MonitorID) *Monitor {
	for _, worker := range p.workers {
		if monitor := worker.GetMonitor(monitorID); monitor != nil {
			return monitor
		}
	}
	return nil
}

// SetPaused toggles a customer's paused flag. Unknown ids are ignored.
func (p *WorkerPool) SetPaused(customerID CustomerID, nowPaused bool) {
	if customer := p.GetCustomer(customerID); customer != nil {
		customer.SetPaused(nowPaused)
	}
}

// UpdateRegionData pushes new region parameters to every worker and the
// ping daemon and unconditionally transitions to ACTIVE. The transition
// is flushed to the controller immediately.
func (p *WorkerPool) UpdateRegionData(regionIndex uint, numberRegions uint) {
	for _, worker := range p.workers {
		worker.UpdateRegionData(regionIndex, numberRegions)
	}

	p.ping.GoActive()

	p.logger.Infof("Changing region to %d / %d", regionIndex, numberRegions)
	p.transition(report.ServerStatusActive)
}

// GoActive toggles the pool between ACTIVE and INACTIVE, cascading into
// the workers and the ping daemon, and flushes the transition.
func (p *WorkerPool) GoActive(nowActive bool) {
	for _, worker := range p.workers {
		if nowActive {
			worker.GoActive()
		} else {
			worker.GoInactive()
		}
	}

	if nowActive {
		p.ping.GoActive()
	} else {
		p.ping.GoInactive()
	}

	if nowActive {
		p.transition(report.ServerStatusActive)
	} else {
		p.transition(report.ServerStatusInactive)
	}
}

// transition records a status change, logging it and forcing an
// immediate telemetry flush so the controller sees the new status byte.
func (p *WorkerPool) transition(newStatus report.ServerStatusCode) {
	p.statusMutex.Lock()
	oldStatus := p.status
	p.status = newStatus
	p.statusMutex.Unlock()

	if oldStatus != newStatus {
		p.logger.Infof("Server status %d -> %d", oldStatus, newStatus)
	}

	p.telemetry.SendReport()
}

// Shutdown stops every worker and closes the pinger socket.
func (p *WorkerPool) Shutdown() {
	for _, worker := range p.workers {
		worker.Stop()
	}
	p.ping.Close()
}

// Workers exposes the worker list for tests and diagnostics.
func (p *WorkerPool) Workers() []*HttpWorker {
	return p.workers
}
