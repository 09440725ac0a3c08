package report

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// eventReportPath is the controller endpoint for anomaly events.
const eventReportPath = "/event/report"

// eventRetryDelay is the wait before re-sending after a transport
// failure.
const eventRetryDelay = 60 * time.Second

type eventMessage struct {
	payload        map[string]any
	successMessage string
	failureMessage string
}

// EventReporter delivers anomaly events to the controller in submission
// order. Only the head of the queue is ever in flight; transport failures
// retry the head, protocol failures log and move on so one poisoned event
// cannot wedge the stream.
type EventReporter struct {
	mutex    sync.Mutex
	pending  []eventMessage
	inFlight bool

	poster Poster
	logger *logrus.Logger

	// retryDelay defaults to the wire-spec value; shortened in tests.
	retryDelay time.Duration
}

// NewEventReporter creates a reporter posting through the given Poster.
func NewEventReporter(poster Poster, logger *logrus.Logger) *EventReporter {
	return &EventReporter{
		poster:     poster,
		logger:     logger,
		retryDelay: eventRetryDelay,
	}
}

// SendEvent queues one event. Delivery begins immediately when the queue
// was idle.
func (r *EventReporter) SendEvent(
	monitorID uint32,
	timestamp uint64,
	eventType EventType,
	monitorStatus MonitorStatus,
	hash []byte,
	message string,
) {
	payload := map[string]any{
		"monitor_id":     monitorID,
		"timestamp":      timestamp,
		"event_type":     eventType.String(),
		"monitor_status": monitorStatus.String(),
		"message":        message,
	}
	if len(hash) > 0 {
		payload["hash"] = base64.StdEncoding.EncodeToString(hash)
	}

	entry := eventMessage{
		payload: payload,
		successMessage: formatEventLog(
			"Sent event", eventType, timestamp, monitorStatus, monitorID, message,
		),
		failureMessage: formatEventLog(
			"Failed to send event", eventType, timestamp, monitorStatus, monitorID, message,
		),
	}

	r.mutex.Lock()
	r.pending = append(r.pending, entry)
	start := !r.inFlight
	if start {
		r.inFlight = true
	}
	r.mutex.Unlock()

	if start {
		go r.sendHead()
	}
}

// sendHead transmits the queue head and walks the queue until it drains
// or a transport failure schedules a retry.
func (r *EventReporter) sendHead() {
	for {
		r.mutex.Lock()
		if len(r.pending) == 0 {
			r.inFlight = false
			r.mutex.Unlock()
			return
		}
		head := r.pending[0]
		r.mutex.Unlock()

		response, err := r.poster.PostJSON(eventReportPath, head.payload)
		if err != nil {
			r.logger.Warnf("%s: %v - Retrying in %v.", head.failureMessage, err, r.retryDelay)
			time.AfterFunc(r.retryDelay, r.sendHead)
			return
		}

		status := responseStatus(response)
		if status == "OK" {
			r.logger.Info(head.successMessage)
		} else {
			r.logger.Warnf("%s: Server reported %q", head.failureMessage, status)
		}

		r.mutex.Lock()
		r.pending = r.pending[1:]
		r.mutex.Unlock()
	}
}

func formatEventLog(
	prefix string,
	eventType EventType,
	timestamp uint64,
	monitorStatus MonitorStatus,
	monitorID uint32,
	message string,
) string {
	return fmt.Sprintf(
		"%s %s @ %d (status %s) monitor ID %d, %q",
		prefix, eventType, timestamp, monitorStatus, monitorID, message,
	)
}
