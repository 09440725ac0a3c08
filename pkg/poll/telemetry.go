package poll

import "pollserv/pkg/report"

// Telemetry is the reporting surface the polling core emits into. The
// report.Aggregator implements it; tests substitute recorders.
type Telemetry interface {
	// RecordLatency queues one latency sample.
	RecordLatency(monitorID uint32, unixTimestamp uint64, microseconds uint32)

	// ReportEvent queues one anomaly event for ordered delivery.
	ReportEvent(
		monitorID uint32,
		timestamp uint64,
		eventType report.EventType,
		monitorStatus report.MonitorStatus,
		hash []byte,
		message string,
	)

	// ReportSslCertificateExpirationChange fires one certificate report.
	ReportSslCertificateExpirationChange(monitorID uint32, hostSchemeID uint32, expirationTimestamp uint64)

	// SendReport forces an immediate telemetry flush.
	SendReport()
}

// PingRegistrar is the surface the pool uses to keep the external ping
// daemon's host set in sync. The pinger.Controller implements it.
type PingRegistrar interface {
	// AddHost registers one ping target for a customer.
	AddHost(customerID uint32, hostSchemeID uint32, serverName string)

	// RemoveCustomer drops every target registered for the customer.
	RemoveCustomer(customerID uint32)

	// GoActive re-registers every known target.
	GoActive()

	// GoInactive withdraws every known target without forgetting it.
	GoInactive()

	// Connect attaches to the daemon's local socket.
	Connect(socketName string)

	// Close tears the channel down.
	Close()
}
