// Package poll implements the polling core: monitors grouped into
// host/schemes owned by customers, the phase-coherent host/scheme timer,
// the per-worker polling loops, and the worker pool that places customers
// onto workers.
package poll

// MonitorID identifies a monitor. Zero is reserved as invalid; ids are
// assigned by the controller, never minted here.
type MonitorID uint32

// HostSchemeID identifies a host/scheme. Zero is reserved as invalid.
type HostSchemeID uint32

// CustomerID identifies a customer. Zero is reserved as invalid.
type CustomerID uint32

// MinimumPollingInterval is the smallest polling interval a customer may
// declare, in seconds.
const MinimumPollingInterval = 20

// Customer owns a set of host/schemes and the policy flags governing how
// they are polled. A customer resides in exactly one worker; its polling
// interval is fixed for its lifetime — reconfiguration is remove-and-add.
type Customer struct {
	id CustomerID

	supportsPingTesting           bool
	supportsSslExpirationChecking bool
	supportsLatencyMeasurements   bool
	supportsMultiRegionTesting    bool

	pollingInterval uint
	paused          bool

	hostSchemes     map[HostSchemeID]*HostScheme
	hostSchemeOrder []HostSchemeID
}

// NewCustomer creates a customer with no host/schemes.
func NewCustomer(
	id CustomerID,
	pingTesting bool,
	sslExpirationChecking bool,
	latencyMeasurements bool,
	multiRegionTesting bool,
	pollingInterval uint,
) *Customer {
	return &Customer{
		id:                            id,
		supportsPingTesting:           pingTesting,
		supportsSslExpirationChecking: sslExpirationChecking,
		supportsLatencyMeasurements:   latencyMeasurements,
		supportsMultiRegionTesting:    multiRegionTesting,
		pollingInterval:               pollingInterval,
		hostSchemes:                   make(map[HostSchemeID]*HostScheme),
	}
}

// CustomerID returns the customer's identifier.
func (c *Customer) CustomerID() CustomerID {
	return c.id
}

// SupportsPingTesting reports whether the customer's hosts are registered
// with the ping daemon.
func (c *Customer) SupportsPingTesting() bool {
	return c.supportsPingTesting
}

// SupportsSslExpirationChecking reports whether certificate expirations
// are tracked for this customer.
func (c *Customer) SupportsSslExpirationChecking() bool {
	return c.supportsSslExpirationChecking
}

// SupportsLatencyMeasurements reports whether latency samples are
// recorded for this customer's monitors.
func (c *Customer) SupportsLatencyMeasurements() bool {
	return c.supportsLatencyMeasurements
}

// SupportsMultiRegionTesting reports whether polling for this customer is
// phase-shared across regions.
func (c *Customer) SupportsMultiRegionTesting() bool {
	return c.supportsMultiRegionTesting
}

// PollingInterval returns the polling interval in seconds.
func (c *Customer) PollingInterval() uint {
	return c.pollingInterval
}

// Paused reports whether checks are suppressed at issue time.
func (c *Customer) Paused() bool {
	return c.paused
}

// SetPaused toggles check suppression. The timers keep ticking; the
// monitors simply decline to issue requests.
func (c *Customer) SetPaused(nowPaused bool) {
	c.paused = nowPaused
}

// AddHostScheme attaches a host/scheme to the customer.
func (c *Customer) AddHostScheme(hostScheme *HostScheme) {
	hostScheme.customerID = c.id
	if _, exists := c.hostSchemes[hostScheme.id]; !exists {
		c.hostSchemeOrder = append(c.hostSchemeOrder, hostScheme.id)
	}
	c.hostSchemes[hostScheme.id] = hostScheme
}

// HostScheme returns the host/scheme with the given id, or nil.
func (c *Customer) HostScheme(id HostSchemeID) *HostScheme {
	return c.hostSchemes[id]
}

// HostSchemes returns the customer's host/schemes in insertion order.
func (c *Customer) HostSchemes() []*HostScheme {
	result := make([]*HostScheme, 0, len(c.hostSchemeOrder))
	for _, id := range c.hostSchemeOrder {
		result = append(result, c.hostSchemes[id])
	}
	return result
}

// NumberHostSchemes returns the host/scheme count.
func (c *Customer) NumberHostSchemes() int {
	return len(c.hostSchemes)
}

// NumberMonitors returns the total monitor count across host/schemes.
func (c *Customer) NumberMonitors() int {
	count := 0
	for _, hostScheme := range c.hostSchemes {
		count += hostScheme.NumberMonitors()
	}
	return count
}
