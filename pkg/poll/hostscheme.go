package poll

import (
	"net/url"
	"sort"
)

// HostScheme groups the monitors sharing one scheme+host+port. It carries
// the last seen TLS expiration for the host and the failing set used to
// amplify probing of broken monitors. All mutation happens on the owning
// worker's goroutine.
type HostScheme struct {
	id         HostSchemeID
	url        *url.URL
	customerID CustomerID

	// sslExpirationTimestamp is unix seconds; zero means unknown.
	sslExpirationTimestamp uint64

	monitors     map[MonitorID]*Monitor
	monitorOrder []MonitorID
	cursor       int

	failing        map[MonitorID]*Monitor
	failingCounter int
}

// NewHostScheme creates a host/scheme for the given base URL. Any path,
// query, or fragment is stripped; monitors carry their own paths.
func NewHostScheme(id HostSchemeID, baseURL *url.URL) *HostScheme {
	stripped := &url.URL{
		Scheme: baseURL.Scheme,
		Host:   baseURL.Host,
	}

	return &HostScheme{
		id:       id,
		url:      stripped,
		monitors: make(map[MonitorID]*Monitor),
		failing:  make(map[MonitorID]*Monitor),
	}
}

// HostSchemeID returns the host/scheme's identifier.
func (h *HostScheme) HostSchemeID() HostSchemeID {
	return h.id
}

// CustomerID returns the owning customer's identifier.
func (h *HostScheme) CustomerID() CustomerID {
	return h.customerID
}

// URL returns the scheme+host base URL.
func (h *HostScheme) URL() *url.URL {
	return h.url
}

// SslExpirationTimestamp returns the last seen certificate expiration in
// unix seconds, zero when unknown.
func (h *HostScheme) SslExpirationTimestamp() uint64 {
	return h.sslExpirationTimestamp
}

// SetSslExpirationTimestamp records a newly observed expiration.
func (h *HostScheme) SetSslExpirationTimestamp(timestamp uint64) {
	h.sslExpirationTimestamp = timestamp
}

// AddMonitor attaches a monitor. New monitors start in the failing set so
// they are probed promptly after adoption.
func (h *HostScheme) AddMonitor(monitor *Monitor) {
	monitor.hostScheme = h
	if _, exists := h.monitors[monitor.id]; !exists {
		h.monitorOrder = append(h.monitorOrder, monitor.id)
	}
	h.monitors[monitor.id] = monitor
	h.failing[monitor.id] = monitor
}

// RemoveMonitor detaches a monitor, aborting any in-flight check.
func (h *HostScheme) RemoveMonitor(monitorID MonitorID) bool {
	monitor, exists := h.monitors[monitorID]
	if !exists {
		return false
	}

	monitor.Abort()
	delete(h.monitors, monitorID)
	delete(h.failing, monitorID)

	for i, id := range h.monitorOrder {
		if id == monitorID {
			h.monitorOrder = append(h.monitorOrder[:i], h.monitorOrder[i+1:]...)
			if h.cursor > i {
				h.cursor--
			}
			break
		}
	}

	return true
}

// Monitor returns the monitor with the given id, or nil.
func (h *HostScheme) Monitor(monitorID MonitorID) *Monitor {
	return h.monitors[monitorID]
}

// Monitors returns the monitors in insertion order.
func (h *HostScheme) Monitors() []*Monitor {
	result := make([]*Monitor, 0, len(h.monitorOrder))
	for _, id := range h.monitorOrder {
		result = append(result, h.monitors[id])
	}
	return result
}

// NumberMonitors returns the monitor count.
func (h *HostScheme) NumberMonitors() int {
	return len(h.monitors)
}

// ServiceNextMonitor is one tick from the timer: advance the round-robin
// cursor and start that monitor; when the failing set is non-empty, also
// start the next failing monitor so broken endpoints are probed at double
// rate without starving the healthy ones.
func (h *HostScheme) ServiceNextMonitor() {
	if len(h.monitorOrder) == 0 {
		return
	}

	if h.cursor >= len(h.monitorOrder) {
		h.cursor = 0
	}
	monitor := h.monitors[h.monitorOrder[h.cursor]]
	h.cursor++

	failingMonitor := h.nextFailingMonitor()

	monitor.StartCheck()
	if failingMonitor != nil && failingMonitor != monitor {
		failingMonitor.StartCheck()
	}
}

// nextFailingMonitor picks the next member of the failing set by a
// round-robin counter over the sorted ids. Returns nil when the set is
// empty.
func (h *HostScheme) nextFailingMonitor() *Monitor {
	if len(h.failing) == 0 {
		return nil
	}

	ids := make([]MonitorID, 0, len(h.failing))
	for id := range h.failing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	monitor := h.failing[ids[h.failingCounter%len(ids)]]
	h.failingCounter++
	return monitor
}

// monitorNonResponsive adds a monitor to the failing set.
func (h *HostScheme) monitorNonResponsive(monitor *Monitor) {
	h.failing[monitor.id] = monitor
}

// monitorNowResponsive removes a recovered monitor from the failing set.
func (h *HostScheme) monitorNowResponsive(monitor *Monitor) {
	delete(h.failing, monitor.id)
}

// FailingMonitors returns the ids currently in the failing set, sorted.
func (h *HostScheme) FailingMonitors() []MonitorID {
	ids := make([]MonitorID, 0, len(h.failing))
	for id := range h.failing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
