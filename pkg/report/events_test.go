package report

import (
	"testing"
	"time"
)

func TestEventReporter_PreservesOrder(t *testing.T) {
	poster := newFakePoster()
	reporter := NewEventReporter(poster, testLogger())

	reporter.SendEvent(1, 1700000000, EventNoResponse, StatusUnknown, nil, "down")
	reporter.SendEvent(1, 1700000010, EventWorking, StatusFailed, nil, "")
	reporter.SendEvent(2, 1700000020, EventContentChanged, StatusWorking, []byte{1, 2}, "")

	for i := 0; i < 3; i++ {
		if path := poster.waitForPost(t); path != "/event/report" {
			t.Fatalf("expected event report post, got %q", path)
		}
	}

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.jsons) != 3 {
		t.Fatalf("expected 3 events, got %d", len(poster.jsons))
	}

	expectedTypes := []string{"no_response", "working", "content_changed"}
	for i, payload := range poster.jsons {
		if payload["event_type"] != expectedTypes[i] {
			t.Errorf("event %d: expected %q, got %v", i, expectedTypes[i], payload["event_type"])
		}
	}
}

func TestEventReporter_TransportFailureRetriesHead(t *testing.T) {
	poster := newFakePoster()
	poster.failures = 1
	reporter := NewEventReporter(poster, testLogger())
	reporter.retryDelay = 50 * time.Millisecond

	reporter.SendEvent(1, 1700000000, EventNoResponse, StatusUnknown, nil, "down")

	poster.waitForPost(t) // failed attempt
	poster.waitForPost(t) // retried head

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.jsons) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(poster.jsons))
	}
	if poster.jsons[0]["monitor_id"] != poster.jsons[1]["monitor_id"] {
		t.Error("expected the same event to be retried")
	}
}

func TestEventReporter_ProtocolFailurePopsHead(t *testing.T) {
	poster := newFakePoster()
	poster.status = "rejected"
	reporter := NewEventReporter(poster, testLogger())

	reporter.SendEvent(1, 1700000000, EventNoResponse, StatusUnknown, nil, "down")
	reporter.SendEvent(2, 1700000010, EventWorking, StatusFailed, nil, "")

	poster.waitForPost(t)
	poster.waitForPost(t)

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.jsons) != 2 {
		t.Fatalf("expected both events attempted exactly once, got %d", len(poster.jsons))
	}
	if poster.jsons[1]["monitor_id"] != uint32(2) {
		t.Errorf("expected second event after protocol rejection, got %v", poster.jsons[1]["monitor_id"])
	}
}

func TestEventReporter_HashEncodedWhenPresent(t *testing.T) {
	poster := newFakePoster()
	reporter := NewEventReporter(poster, testLogger())

	reporter.SendEvent(1, 1700000000, EventContentChanged, StatusWorking, []byte("hashhash"), "")
	poster.waitForPost(t)

	poster.mu.Lock()
	if poster.jsons[0]["hash"] != "aGFzaGhhc2g=" {
		t.Errorf("expected base64 hash, got %v", poster.jsons[0]["hash"])
	}
	poster.mu.Unlock()

	// Events without a hash omit the field entirely.
	reporter.SendEvent(1, 1700000001, EventWorking, StatusFailed, nil, "")
	poster.waitForPost(t)

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if _, exists := poster.jsons[1]["hash"]; exists {
		t.Error("expected no hash field for hashless events")
	}
}

func TestEventTypeStrings(t *testing.T) {
	cases := map[EventType]string{
		EventWorking:        "working",
		EventNoResponse:     "no_response",
		EventContentChanged: "content_changed",
		EventKeywords:       "keywords",
		EventSslCertificate: "ssl_certificate",
	}
	for eventType, expected := range cases {
		if eventType.String() != expected {
			t.Errorf("expected %q, got %q", expected, eventType.String())
		}
	}
}

func TestCertificateReporter_RetriesUntilAccepted(t *testing.T) {
	poster := newFakePoster()
	poster.failures = 1

	reporter := newCertificateReporter(poster, testLogger(), 101, 11, 1800000000)

	finished := make(chan struct{})
	go func() {
		reporter.run()
		close(finished)
	}()

	poster.waitForPost(t) // failed attempt

	// Shorten the sleep by just waiting it out is too slow for tests;
	// instead verify the first attempt carried the right payload and
	// that run has not returned yet.
	select {
	case <-finished:
		t.Fatal("reporter must keep retrying after a failure")
	case <-time.After(100 * time.Millisecond):
	}

	poster.mu.Lock()
	payload := poster.jsons[0]
	poster.mu.Unlock()
	if payload["monitor_id"] != uint32(101) || payload["host_scheme_id"] != uint32(11) {
		t.Errorf("unexpected certificate payload %+v", payload)
	}
	if payload["expiration_timestamp"] != uint64(1800000000) {
		t.Errorf("unexpected expiration %v", payload["expiration_timestamp"])
	}
}
