package report

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"pollserv/pkg/sysload"
)

const (
	// latencyRecordPath is the controller endpoint for binary latency
	// batches.
	latencyRecordPath = "/latency/record"

	// startOfZoranEpoch converts unix timestamps to 32-bit wire
	// timestamps. The offset is fixed by the wire protocol.
	startOfZoranEpoch = 1609484400

	// maximumNumberPendingEntries triggers an immediate flush.
	maximumNumberPendingEntries = 1000

	// maximumReportDelay bounds how long a lone sample waits before the
	// batch is flushed anyway.
	maximumReportDelay = 60 * time.Second

	// retryDelay is the wait before re-sending a failed batch.
	retryDelay = 60 * time.Second

	// maximumIdentifierLength is the fixed identifier field width in the
	// binary header.
	maximumIdentifierLength = 48

	// headerLength is the fixed binary header size including padding.
	headerLength = 64

	// entryLength is the packed size of one latency entry.
	entryLength = 12

	// reporterPoolSize bounds concurrently running certificate
	// reporters.
	reporterPoolSize = 32
)

// LatencyEntry is one latency sample awaiting transmission.
type LatencyEntry struct {
	MonitorID     uint32
	UnixTimestamp uint64
	Microseconds  uint32
}

// ZoranTimestamp returns the 32-bit wire timestamp for the entry.
func (e LatencyEntry) ZoranTimestamp() uint32 {
	return uint32(e.UnixTimestamp - startOfZoranEpoch)
}

// Aggregator batches latency samples into fixed-layout binary reports and
// funnels events and certificate changes to their reporters. Producers on
// any goroutine may call RecordLatency, ReportEvent, and
// ReportSslCertificateExpirationChange.
type Aggregator struct {
	listMutex    sync.Mutex
	pending      []LatencyEntry
	inFlight     []LatencyEntry
	reportTimer  *time.Timer
	retryTimer   *time.Timer
	identifier   [maximumIdentifierLength]byte
	statusSource StatusSource

	poster       Poster
	events       *EventReporter
	reporterPool *ants.Pool
	logger       *logrus.Logger

	// reportDelay and retryDelay default to the wire-spec values;
	// shortened in tests.
	reportDelay time.Duration
	retryDelay  time.Duration
}

// NewAggregator creates an aggregator posting through the given Poster.
// The status source is attached later via SetStatusSource since the pool
// is constructed after the aggregator.
func NewAggregator(poster Poster, logger *logrus.Logger) *Aggregator {
	pool, err := ants.NewPool(reporterPoolSize, ants.WithNonblocking(true))
	if err != nil {
		logger.Fatalf("Failed to create reporter pool: %v", err)
	}

	return &Aggregator{
		poster:       poster,
		events:       NewEventReporter(poster, logger),
		reporterPool: pool,
		logger:       logger,
		reportDelay:  maximumReportDelay,
		retryDelay:   retryDelay,
	}
}

// SetStatusSource attaches the source of the live header fields.
func (a *Aggregator) SetStatusSource(source StatusSource) {
	a.listMutex.Lock()
	defer a.listMutex.Unlock()
	a.statusSource = source
}

// SetServerIdentifier installs the identifier stamped into every latency
// header, truncated to the field width and NUL padded.
func (a *Aggregator) SetServerIdentifier(identifier string) {
	a.listMutex.Lock()
	defer a.listMutex.Unlock()

	raw := []byte(identifier)
	if len(raw) > maximumIdentifierLength {
		raw = raw[:maximumIdentifierLength]
	}

	for i := range a.identifier {
		a.identifier[i] = 0
	}
	copy(a.identifier[:], raw)
}

// RecordLatency queues one latency sample. The batch is flushed when it
// reaches the pending limit, or after the maximum report delay otherwise.
func (a *Aggregator) RecordLatency(monitorID uint32, unixTimestamp uint64, microseconds uint32) {
	a.listMutex.Lock()
	defer a.listMutex.Unlock()

	a.pending = append(a.pending, LatencyEntry{
		MonitorID:     monitorID,
		UnixTimestamp: unixTimestamp,
		Microseconds:  microseconds,
	})

	if a.inFlight != nil {
		return
	}

	if len(a.pending) >= maximumNumberPendingEntries {
		a.armReportLocked(0)
	} else if a.reportTimer == nil {
		a.armReportLocked(a.reportDelay)
	}
}

// ReportEvent queues one anomaly event for ordered delivery.
func (a *Aggregator) ReportEvent(
	monitorID uint32,
	timestamp uint64,
	eventType EventType,
	monitorStatus MonitorStatus,
	hash []byte,
	message string,
) {
	a.events.SendEvent(monitorID, timestamp, eventType, monitorStatus, hash, message)
}

// ReportSslCertificateExpirationChange spawns a fire-and-forget reporter
// for one certificate change. The caller does not wait.
func (a *Aggregator) ReportSslCertificateExpirationChange(
	monitorID uint32,
	hostSchemeID uint32,
	expirationTimestamp uint64,
) {
	reporter := newCertificateReporter(a.poster, a.logger, monitorID, hostSchemeID, expirationTimestamp)
	if err := a.reporterPool.Submit(reporter.run); err != nil {
		// Pool exhausted or released; fall back to a bare goroutine so
		// the report is not lost.
		go reporter.run()
	}
}

// SendReport forces an immediate flush of the latency batch, empty or
// not. Used on server status transitions so the controller sees the new
// status byte promptly.
func (a *Aggregator) SendReport() {
	a.listMutex.Lock()
	defer a.listMutex.Unlock()
	if a.inFlight == nil {
		a.armReportLocked(0)
	}
}

// Close stops the reporter pool. Pending batches are abandoned; the
// server keeps no persistent state by design.
func (a *Aggregator) Close() {
	a.reporterPool.Release()
}

// armReportLocked (re)arms the flush timer. Callers hold listMutex.
func (a *Aggregator) armReportLocked(delay time.Duration) {
	if a.reportTimer != nil {
		a.reportTimer.Stop()
	}
	a.reportTimer = time.AfterFunc(delay, a.startReportingLatencyData)
}

// startReportingLatencyData swaps the pending list into flight and sends
// it. If a flight is already outstanding, the pending list keeps
// accumulating untouched.
func (a *Aggregator) startReportingLatencyData() {
	a.listMutex.Lock()
	a.reportTimer = nil
	if a.inFlight != nil {
		a.listMutex.Unlock()
		return
	}

	a.inFlight = a.pending
	a.pending = make([]LatencyEntry, 0, len(a.inFlight))
	batch := a.inFlight
	a.listMutex.Unlock()

	a.send(batch)
}

// startRetry re-sends the in-flight batch after a failure.
func (a *Aggregator) startRetry() {
	a.listMutex.Lock()
	batch := a.inFlight
	a.listMutex.Unlock()

	if batch != nil {
		a.send(batch)
	}
}

func (a *Aggregator) send(batch []LatencyEntry) {
	message := a.encode(batch)

	response, err := a.poster.PostRaw(latencyRecordPath, message)
	if err != nil {
		a.requestFailed(err.Error())
		return
	}

	status := responseStatus(response)
	if status != "OK" {
		a.requestFailed("database controller reported \"" + status + "\"")
		return
	}

	if len(batch) > 0 {
		a.logger.Infof(
			"Sent %d latency entries for timestamps %d-%d.",
			len(batch),
			batch[0].UnixTimestamp,
			batch[len(batch)-1].UnixTimestamp,
		)
	} else {
		a.logger.Info("Sent empty latency entry report.")
	}

	a.listMutex.Lock()
	a.inFlight = nil
	if len(a.pending) >= maximumNumberPendingEntries {
		a.armReportLocked(0)
	} else if len(a.pending) > 0 {
		a.armReportLocked(a.reportDelay)
	}
	a.listMutex.Unlock()
}

func (a *Aggregator) requestFailed(reason string) {
	a.logger.Warnf("Latency report failed: %s -- retrying in %v.", reason, a.retryDelay)

	a.listMutex.Lock()
	if a.retryTimer != nil {
		a.retryTimer.Stop()
	}
	a.retryTimer = time.AfterFunc(a.retryDelay, a.startRetry)
	a.listMutex.Unlock()
}

// encode packs the batch into the binary wire format: a fixed 64-byte
// header followed by 12-byte entries, all little-endian.
func (a *Aggregator) encode(batch []LatencyEntry) []byte {
	a.listMutex.Lock()
	identifier := a.identifier
	source := a.statusSource
	a.listMutex.Unlock()

	message := make([]byte, headerLength+entryLength*len(batch))

	binary.LittleEndian.PutUint16(message[0:2], 0) // version
	copy(message[2:2+maximumIdentifierLength], identifier[:])

	var monitorsPerSecond float64
	var statusCode ServerStatusCode
	if source != nil {
		monitorsPerSecond = source.HostSchemesPerSecond()
		statusCode = source.StatusCode()
	}

	binary.LittleEndian.PutUint32(message[50:54], uint32(monitorsPerSecond*256.0))
	binary.LittleEndian.PutUint16(message[54:56], clamp16(sysload.CPUUtilization()*4096.0))
	binary.LittleEndian.PutUint16(message[56:58], clamp16(sysload.MemoryUtilization()*65536.0))
	message[58] = byte(statusCode)

	offset := headerLength
	for _, entry := range batch {
		binary.LittleEndian.PutUint32(message[offset:offset+4], entry.MonitorID)
		binary.LittleEndian.PutUint32(message[offset+4:offset+8], entry.ZoranTimestamp())
		binary.LittleEndian.PutUint32(message[offset+8:offset+12], entry.Microseconds)
		offset += entryLength
	}

	return message
}

func clamp16(value float64) uint16 {
	if value < 0 {
		return 0
	}
	if value > 65535 {
		return 65535
	}
	return uint16(value)
}
