package poll

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HttpWorker owns one HTTP client, the host/scheme timers for the
// customers placed on it, and the lookup indexes the control API uses.
// The worker runs a single goroutine; every mutation of its maps and of
// the entities it owns happens there. Other goroutines hand it work
// through the command channel and read through mutex-guarded snapshots.
type HttpWorker struct {
	index    int
	client   *http.Client
	commands chan func()
	done     chan struct{}
	wg       sync.WaitGroup

	mutex       sync.RWMutex
	timers      map[int]*HostSchemeTimer
	customers   map[CustomerID]*Customer
	hostSchemes map[HostSchemeID]*HostScheme
	monitors    map[MonitorID]*Monitor

	regionIndex   uint
	numberRegions uint
	active        bool

	hostSchemesPerSecond float64

	headerMutex sync.RWMutex
	headers     map[string]string

	telemetry Telemetry
	logger    *logrus.Logger
}

// commandBacklog sizes the worker command channel. Ticks, completions,
// and control operations all share it.
const commandBacklog = 1024

// NewHttpWorker creates a worker and starts its service goroutine. The
// HTTP client refuses redirects that downgrade https to http and bounds
// every transfer at the monitor deadline.
func NewHttpWorker(index int, telemetry Telemetry, logger *logrus.Logger) *HttpWorker {
	w := &HttpWorker{
		index:       index,
		commands:    make(chan func(), commandBacklog),
		done:        make(chan struct{}),
		timers:      make(map[int]*HostSchemeTimer),
		customers:   make(map[CustomerID]*Customer),
		hostSchemes: make(map[HostSchemeID]*HostScheme),
		monitors:    make(map[MonitorID]*Monitor),
		headers:     map[string]string{},
		telemetry:   telemetry,
		logger:      logger,
	}

	w.client = &http.Client{
		Timeout: transferTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			if via[0].URL.Scheme == "https" && req.URL.Scheme == "http" {
				return fmt.Errorf("refusing redirect from https to http")
			}
			return nil
		},
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// run drains the command channel until shutdown.
func (w *HttpWorker) run() {
	defer w.wg.Done()
	w.logger.Debugf("HTTP worker %d started.", w.index)
	for {
		select {
		case command := <-w.commands:
			command()
		case <-w.done:
			return
		}
	}
}

// post hands a function to the worker goroutine without waiting.
func (w *HttpWorker) post(command func()) {
	select {
	case w.commands <- command:
	case <-w.done:
	}
}

// call runs a function on the worker goroutine and waits for it. Used by
// control-plane operations that need a result; never on the polling hot
// path.
func (w *HttpWorker) call(command func()) {
	finished := make(chan struct{})
	w.post(func() {
		command()
		close(finished)
	})
	select {
	case <-finished:
	case <-w.done:
	}
}

// Stop terminates the worker goroutine. In-flight HTTP requests complete
// against a closed loop and are discarded.
func (w *HttpWorker) Stop() {
	close(w.done)
	w.wg.Wait()
}

// scheduleTimer arms a fire for the given timer, delivered onto the
// worker goroutine.
func (w *HttpWorker) scheduleTimer(delay time.Duration, timer *HostSchemeTimer) {
	time.AfterFunc(delay, func() {
		w.post(timer.Tick)
	})
}

// SetDefaultHeaders installs a new immutable default-header snapshot.
func (w *HttpWorker) SetDefaultHeaders(headers map[string]string) {
	snapshot := make(map[string]string, len(headers))
	for key, value := range headers {
		snapshot[key] = value
	}

	w.headerMutex.Lock()
	w.headers = snapshot
	w.headerMutex.Unlock()
}

// defaultHeaders returns the current header snapshot. Callers must not
// mutate it.
func (w *HttpWorker) defaultHeaders() map[string]string {
	w.headerMutex.RLock()
	defer w.headerMutex.RUnlock()
	return w.headers
}

// HostSchemesPerSecond returns the aggregate service rate across this
// worker's timers. The pool uses it for least-loaded placement.
func (w *HttpWorker) HostSchemesPerSecond() float64 {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.hostSchemesPerSecond
}

// LoadingData returns the latest loading snapshot per signed interval.
func (w *HttpWorker) LoadingData() map[int][]LoadingData {
	w.mutex.RLock()
	defer w.mutex.RUnlock()

	result := make(map[int][]LoadingData, len(w.timers))
	for signedInterval, timer := range w.timers {
		result[signedInterval] = append(result[signedInterval], timer.LoadingData())
	}
	return result
}

// AddCustomer transplants a customer and its tree onto this worker.
func (w *HttpWorker) AddCustomer(customer *Customer) {
	w.call(func() {
		w.mutex.Lock()
		w.customers[customer.id] = customer
		w.mutex.Unlock()

		for _, hostScheme := range customer.HostSchemes() {
			w.adoptHostScheme(customer, hostScheme)
		}

		w.updateServiceMetrics()
	})
}

// adoptHostScheme wires one host/scheme and its monitors into the
// worker's indexes and timer wheel. Runs on the worker goroutine.
func (w *HttpWorker) adoptHostScheme(customer *Customer, hostScheme *HostScheme) {
	timer := w.timerFor(customer)

	w.mutex.Lock()
	w.hostSchemes[hostScheme.id] = hostScheme
	for _, monitor := range hostScheme.Monitors() {
		monitor.worker = w
		w.monitors[monitor.id] = monitor
	}
	w.mutex.Unlock()

	timer.AddHostScheme(hostScheme)
}

// timerFor finds or creates the timer for the customer's polling class.
func (w *HttpWorker) timerFor(customer *Customer) *HostSchemeTimer {
	multiRegion := customer.SupportsMultiRegionTesting()
	signedInterval := int(customer.PollingInterval())
	if !multiRegion {
		signedInterval = -signedInterval
	}

	w.mutex.Lock()
	timer, exists := w.timers[signedInterval]
	if !exists {
		timer = NewHostSchemeTimer(
			multiRegion,
			customer.PollingInterval(),
			w.regionIndex,
			w.numberRegions,
			w.logger,
		)
		timer.schedule = w.scheduleTimer
		w.timers[signedInterval] = timer
	}
	w.mutex.Unlock()

	return timer
}

// RemoveCustomer tears down a customer if this worker owns it. In-flight
// checks are aborted; aborted checks produce no events.
func (w *HttpWorker) RemoveCustomer(customerID CustomerID) bool {
	var success bool
	w.call(func() {
		w.mutex.Lock()
		customer, exists := w.customers[customerID]
		w.mutex.Unlock()
		if !exists {
			success = false
			return
		}

		for _, hostScheme := range customer.HostSchemes() {
			signedInterval := int(customer.PollingInterval())
			if !customer.SupportsMultiRegionTesting() {
				signedInterval = -signedInterval
			}

			w.mutex.Lock()
			timer := w.timers[signedInterval]
			w.mutex.Unlock()
			if timer != nil {
				timer.RemoveHostScheme(hostScheme.id)
			}

			for _, monitor := range hostScheme.Monitors() {
				monitor.Abort()
			}

			w.mutex.Lock()
			delete(w.hostSchemes, hostScheme.id)
			for _, monitor := range hostScheme.Monitors() {
				delete(w.monitors, monitor.id)
			}
			w.mutex.Unlock()
		}

		w.mutex.Lock()
		delete(w.customers, customerID)
		w.mutex.Unlock()

		w.updateServiceMetrics()
		success = true
	})
	return success
}

// GetCustomer returns the customer with the given id, or nil.
func (w *HttpWorker) GetCustomer(customerID CustomerID) *Customer {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.customers[customerID]
}

// GetHostScheme returns the host/scheme with the given id, or nil.
func (w *HttpWorker) GetHostScheme(hostSchemeID HostSchemeID) *HostScheme {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.hostSchemes[hostSchemeID]
}

// GetMonitor returns the monitor with the given id, or nil.
func (w *HttpWorker) GetMonitor(monitorID MonitorID) *Monitor {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.monitors[monitorID]
}

// lookupCustomer is the monitor-side customer fetch; runs on the worker
// goroutine but takes the read lock for symmetry with external readers.
func (w *HttpWorker) lookupCustomer(customerID CustomerID) *Customer {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.customers[customerID]
}

// CheckNow requests an immediate service tick for a host/scheme from any
// goroutine.
func (w *HttpWorker) CheckNow(hostScheme *HostScheme) {
	w.post(func() {
		hostScheme.ServiceNextMonitor()
	})
}

// UpdateRegionData applies new region parameters to every timer and marks
// the worker active.
func (w *HttpWorker) UpdateRegionData(regionIndex uint, numberRegions uint) {
	w.call(func() {
		w.regionIndex = regionIndex
		w.numberRegions = numberRegions
		w.active = true

		w.mutex.RLock()
		timers := make([]*HostSchemeTimer, 0, len(w.timers))
		for _, timer := range w.timers {
			timers = append(timers, timer)
		}
		w.mutex.RUnlock()

		for _, timer := range timers {
			timer.UpdateRegionData(regionIndex, numberRegions)
		}
	})
}

// GoActive resumes every timer.
func (w *HttpWorker) GoActive() {
	w.call(func() {
		w.active = true
		for _, timer := range w.snapshotTimers() {
			timer.Start()
		}
	})
}

// GoInactive idles every timer. Monitors complete their in-flight checks.
func (w *HttpWorker) GoInactive() {
	w.call(func() {
		w.active = false
		for _, timer := range w.snapshotTimers() {
			timer.Stop()
		}
	})
}

func (w *HttpWorker) snapshotTimers() []*HostSchemeTimer {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	timers := make([]*HostSchemeTimer, 0, len(w.timers))
	for _, timer := range w.timers {
		timers = append(timers, timer)
	}
	return timers
}

// updateServiceMetrics recomputes the aggregate service rate.
func (w *HttpWorker) updateServiceMetrics() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	rate := 0.0
	for _, timer := range w.timers {
		rate += timer.MonitorsPerSecond()
	}
	w.hostSchemesPerSecond = rate
}
