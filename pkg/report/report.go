// Package report delivers telemetry to the central controller: batched
// binary latency records, ordered JSON anomaly events, and one-shot
// certificate expiration reports.
package report

// EventType identifies the kind of anomaly event being reported.
type EventType int

const (
	// EventInvalid is the zero value and never sent.
	EventInvalid EventType = iota
	// EventWorking reports a monitor that has recovered or come up.
	EventWorking
	// EventNoResponse reports a monitor that stopped responding.
	EventNoResponse
	// EventContentChanged reports a changed response digest.
	EventContentChanged
	// EventKeywords reports a failed keyword check.
	EventKeywords
	// EventSslCertificate reports a certificate change.
	EventSslCertificate
)

// String returns the wire form of the event type.
func (e EventType) String() string {
	switch e {
	case EventInvalid:
		return "invalid"
	case EventWorking:
		return "working"
	case EventNoResponse:
		return "no_response"
	case EventContentChanged:
		return "content_changed"
	case EventKeywords:
		return "keywords"
	case EventSslCertificate:
		return "ssl_certificate"
	default:
		panic("unexpected event type")
	}
}

// MonitorStatus is the reported state of a monitor at event time.
type MonitorStatus int

const (
	// StatusUnknown means the monitor has not completed a check yet.
	StatusUnknown MonitorStatus = iota
	// StatusWorking means the last check succeeded.
	StatusWorking
	// StatusFailed means the last check failed.
	StatusFailed
)

// String returns the wire form of the monitor status.
func (s MonitorStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusWorking:
		return "working"
	case StatusFailed:
		return "failed"
	default:
		panic("unexpected monitor status")
	}
}

// ServerStatusCode is the server state byte carried in the latency record
// header.
type ServerStatusCode uint8

const (
	// ServerStatusUnknown is the zero value, reported when no status source
	// is attached.
	ServerStatusUnknown ServerStatusCode = iota
	// ServerStatusActive means the server is polling.
	ServerStatusActive
	// ServerStatusInactive means polling is suspended.
	ServerStatusInactive
	// ServerStatusDefunct means the server is being decommissioned.
	ServerStatusDefunct
)

// StatusSource supplies the live header fields stamped onto every latency
// report. The worker pool implements it.
type StatusSource interface {
	// HostSchemesPerSecond is the aggregate polling rate.
	HostSchemesPerSecond() float64
	// StatusCode is the current server state.
	StatusCode() ServerStatusCode
}

// Poster posts signed payloads to the controller and returns the decoded
// JSON response object. *restauth.Client implements it.
type Poster interface {
	PostRaw(path string, payload []byte) (map[string]any, error)
	PostJSON(path string, payload any) (map[string]any, error)
}

// responseStatus extracts the "status" field of a controller response.
func responseStatus(response map[string]any) string {
	status, _ := response["status"].(string)
	return status
}
