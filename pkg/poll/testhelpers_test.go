package poll

import (
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pollserv/pkg/report"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// recordedEvent captures one ReportEvent call.
type recordedEvent struct {
	monitorID     uint32
	timestamp     uint64
	eventType     report.EventType
	monitorStatus report.MonitorStatus
	hash          []byte
	message       string
}

// recordedLatency captures one RecordLatency call.
type recordedLatency struct {
	monitorID     uint32
	unixTimestamp uint64
	microseconds  uint32
}

// recordedCertificate captures one certificate report.
type recordedCertificate struct {
	monitorID           uint32
	hostSchemeID        uint32
	expirationTimestamp uint64
}

// telemetryRecorder is an in-memory Telemetry implementation.
type telemetryRecorder struct {
	mu           sync.Mutex
	events       []recordedEvent
	latencies    []recordedLatency
	certificates []recordedCertificate
	sendReports  int
}

func (r *telemetryRecorder) RecordLatency(monitorID uint32, unixTimestamp uint64, microseconds uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, recordedLatency{monitorID, unixTimestamp, microseconds})
}

func (r *telemetryRecorder) ReportEvent(
	monitorID uint32,
	timestamp uint64,
	eventType report.EventType,
	monitorStatus report.MonitorStatus,
	hash []byte,
	message string,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{monitorID, timestamp, eventType, monitorStatus, hash, message})
}

func (r *telemetryRecorder) ReportSslCertificateExpirationChange(
	monitorID uint32,
	hostSchemeID uint32,
	expirationTimestamp uint64,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.certificates = append(r.certificates, recordedCertificate{monitorID, hostSchemeID, expirationTimestamp})
}

func (r *telemetryRecorder) SendReport() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendReports++
}

func (r *telemetryRecorder) eventTypes() []report.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]report.EventType, 0, len(r.events))
	for _, event := range r.events {
		types = append(types, event.eventType)
	}
	return types
}

// pingRecorder is an in-memory PingRegistrar implementation.
type pingRecorder struct {
	mu       sync.Mutex
	added    []recordedPingHost
	removed  []uint32
	active   int
	inactive int
}

type recordedPingHost struct {
	customerID   uint32
	hostSchemeID uint32
	serverName   string
}

func (r *pingRecorder) AddHost(customerID uint32, hostSchemeID uint32, serverName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, recordedPingHost{customerID, hostSchemeID, serverName})
}

func (r *pingRecorder) RemoveCustomer(customerID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, customerID)
}

func (r *pingRecorder) GoActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active++
}

func (r *pingRecorder) GoInactive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inactive++
}

func (r *pingRecorder) Connect(string) {}

func (r *pingRecorder) Close() {}

// waitFor polls condition until it holds or the deadline expires.
func waitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
