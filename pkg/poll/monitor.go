package poll

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pollserv/pkg/htmlhash"
	"pollserv/pkg/report"
)

// Method is the HTTP method a monitor issues.
type Method int

// Supported monitor methods.
const (
	MethodGet Method = iota
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodOptions
	MethodPatch
)

// String returns the HTTP verb.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	case MethodOptions:
		return "OPTIONS"
	case MethodPatch:
		return "PATCH"
	default:
		panic("unexpected method")
	}
}

// hasBody reports whether the method carries the stored post content.
func (m Method) hasBody() bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// ToMethod parses a method name, case and whitespace insensitive.
func ToMethod(s string) (Method, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "get":
		return MethodGet, true
	case "head":
		return MethodHead, true
	case "post":
		return MethodPost, true
	case "put":
		return MethodPut, true
	case "delete":
		return MethodDelete, true
	case "options":
		return MethodOptions, true
	case "patch":
		return MethodPatch, true
	default:
		return MethodGet, false
	}
}

// ContentCheckMode selects how a response body is verified.
type ContentCheckMode int

// Supported content check modes.
const (
	// CheckNone performs no content verification.
	CheckNone ContentCheckMode = iota
	// CheckContentMatch digests the exact body and reports changes.
	CheckContentMatch
	// CheckAnyKeywords requires at least one keyword in the body.
	CheckAnyKeywords
	// CheckAllKeywords requires every keyword in the body.
	CheckAllKeywords
	// CheckSmartContentMatch digests the body after HTML normalisation.
	CheckSmartContentMatch
)

// ToContentCheckMode parses a content check mode name. Hyphens are
// accepted in place of underscores.
func ToContentCheckMode(s string) (ContentCheckMode, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "no_check":
		return CheckNone, true
	case "content_match":
		return CheckContentMatch, true
	case "any_keywords":
		return CheckAnyKeywords, true
	case "all_keywords":
		return CheckAllKeywords, true
	case "smart_content_match":
		return CheckSmartContentMatch, true
	default:
		return CheckNone, false
	}
}

// ContentType selects the content-type header for methods with a body.
type ContentType int

// Supported post content types.
const (
	ContentTypeText ContentType = iota
	ContentTypeJSON
	ContentTypeXML
)

func (t ContentType) headerValue() string {
	switch t {
	case ContentTypeText:
		return "text/plain"
	case ContentTypeJSON:
		return "application/json"
	case ContentTypeXML:
		return "application/xml"
	default:
		panic("unexpected content type")
	}
}

// ToContentType parses a post content type name.
func ToContentType(s string) (ContentType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return ContentTypeText, true
	case "json":
		return ContentTypeJSON, true
	case "xml":
		return ContentTypeXML, true
	default:
		return ContentTypeText, false
	}
}

const (
	// defaultUserAgent is sent when neither the default header map nor
	// the monitor supplies one.
	defaultUserAgent = "PollServBot"

	// userAgentHeaderKey is the default-header key carrying a user agent
	// override.
	userAgentHeaderKey = "user-agent"

	// transferTimeout bounds one probe round trip.
	transferTimeout = 60 * time.Second

	// maximumAllowedLatency is the largest elapsed time recorded as a
	// latency sample.
	maximumAllowedLatency = transferTimeout
)

// Monitor is a single endpoint probe: one path under a host/scheme, with
// a method, optional body, and a content verification mode. At most one
// request is in flight at a time; state transitions and content digests
// feed the aggregator. All fields are owned by the worker goroutine.
type Monitor struct {
	id               MonitorID
	path             string
	method           Method
	contentCheckMode ContentCheckMode
	keywords         [][]byte
	contentType      ContentType
	userAgent        string
	postContent      []byte

	lastHash []byte
	status   report.MonitorStatus

	hostScheme *HostScheme
	worker     *HttpWorker

	inFlight   bool
	generation uint64
	cancel     context.CancelFunc
}

// NewMonitor creates a monitor. Keywords are raw bytes, already decoded
// from their transport encoding.
func NewMonitor(
	id MonitorID,
	path string,
	method Method,
	contentCheckMode ContentCheckMode,
	keywords [][]byte,
	contentType ContentType,
	userAgent string,
	postContent []byte,
) *Monitor {
	return &Monitor{
		id:               id,
		path:             path,
		method:           method,
		contentCheckMode: contentCheckMode,
		keywords:         keywords,
		contentType:      contentType,
		userAgent:        userAgent,
		postContent:      postContent,
		status:           report.StatusUnknown,
	}
}

// MonitorID returns the monitor's identifier.
func (m *Monitor) MonitorID() MonitorID {
	return m.id
}

// Path returns the path probed under the host/scheme URL.
func (m *Monitor) Path() string {
	return m.path
}

// Method returns the configured HTTP method.
func (m *Monitor) Method() Method {
	return m.method
}

// ContentCheckMode returns the configured verification mode.
func (m *Monitor) ContentCheckMode() ContentCheckMode {
	return m.contentCheckMode
}

// Status returns the last reported status.
func (m *Monitor) Status() report.MonitorStatus {
	return m.status
}

// HostScheme returns the owning host/scheme, nil before adoption.
func (m *Monitor) HostScheme() *HostScheme {
	return m.hostScheme
}

// StartCheck issues the configured request. Calls while a request is in
// flight are ignored, as are calls while the owning customer is paused.
// Must run on the worker goroutine.
func (m *Monitor) StartCheck() {
	if m.inFlight {
		return
	}

	if m.hostScheme == nil || m.worker == nil {
		m.lastHash = nil
		return
	}

	customer := m.worker.lookupCustomer(m.hostScheme.customerID)
	if customer == nil || customer.Paused() {
		return
	}

	requestURL := *m.hostScheme.url
	requestURL.Path = m.path

	ctx, cancel := context.WithTimeout(context.Background(), transferTimeout)

	request, err := http.NewRequestWithContext(ctx, m.method.String(), requestURL.String(), m.requestBody())
	if err != nil {
		cancel()
		m.worker.logger.Errorf("Monitor %d: could not build request: %v", m.id, err)
		return
	}

	m.applyHeaders(request)

	m.inFlight = true
	m.generation++
	generation := m.generation
	m.cancel = cancel
	startTimestamp := uint64(time.Now().Unix())
	startInstant := time.Now()

	client := m.worker.client
	go func() {
		defer cancel()

		response, err := client.Do(request)
		elapsed := time.Since(startInstant)

		var body []byte
		var tlsState *tls.ConnectionState
		if err == nil {
			tlsState = response.TLS
			if m.contentCheckMode != CheckNone {
				body, err = io.ReadAll(response.Body)
			} else {
				_, err = io.Copy(io.Discard, response.Body)
			}
			response.Body.Close()

			if err == nil && response.StatusCode >= 400 {
				err = fmt.Errorf("server replied: %s", response.Status)
			}
		}

		m.worker.post(func() {
			m.onResponse(generation, startTimestamp, elapsed, body, tlsState, err)
		})
	}()
}

// requestBody returns the body reader for methods that carry one.
// GET/HEAD/DELETE/OPTIONS never carry a body.
func (m *Monitor) requestBody() io.Reader {
	if !m.method.hasBody() {
		return nil
	}
	return bytes.NewReader(m.postContent)
}

// applyHeaders installs the worker's default header snapshot and resolves
// the user agent: a monitor-local override wins, then the default-header
// map's user-agent key, then the built-in agent string.
func (m *Monitor) applyHeaders(request *http.Request) {
	userAgent := defaultUserAgent

	for key, value := range m.worker.defaultHeaders() {
		if strings.ToLower(key) == userAgentHeaderKey {
			userAgent = value
		} else {
			request.Header.Set(key, value)
		}
	}

	if m.userAgent != "" {
		userAgent = m.userAgent
	}
	request.Header.Set("User-Agent", userAgent)

	if m.method.hasBody() {
		request.Header.Set("Content-Type", m.contentType.headerValue())
	}
}

// Abort cancels any in-flight request and resets the status to unknown.
// The aborted request produces no event; a late completion from before
// the abort is discarded by the generation check.
func (m *Monitor) Abort() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.inFlight = false
	m.generation++
	m.status = report.StatusUnknown
}

// onResponse classifies one completed probe. Runs on the worker
// goroutine.
func (m *Monitor) onResponse(
	generation uint64,
	startTimestamp uint64,
	elapsed time.Duration,
	body []byte,
	tlsState *tls.ConnectionState,
	err error,
) {
	if !m.inFlight || generation != m.generation {
		// Aborted while the response was in transit; drop it.
		return
	}
	m.inFlight = false
	m.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.processErrorResponse(err)
		return
	}

	m.processValidResponse(startTimestamp, elapsed, body, tlsState)
}

// processErrorResponse handles the failed path: the first failure after a
// non-failed state emits one event and joins the failing set; repeats are
// silent until recovery.
func (m *Monitor) processErrorResponse(err error) {
	if m.status == report.StatusFailed {
		return
	}

	m.worker.telemetry.ReportEvent(
		uint32(m.id),
		uint64(time.Now().Unix()),
		report.EventNoResponse,
		m.status,
		nil,
		err.Error(),
	)

	m.status = report.StatusFailed
	m.hostScheme.monitorNonResponsive(m)
}

// processValidResponse handles the OK path: recovery event, content
// verification, latency sample, and certificate tracking.
func (m *Monitor) processValidResponse(
	startTimestamp uint64,
	elapsed time.Duration,
	body []byte,
	tlsState *tls.ConnectionState,
) {
	if m.status != report.StatusWorking {
		m.hostScheme.monitorNowResponsive(m)
		m.worker.telemetry.ReportEvent(
			uint32(m.id),
			uint64(time.Now().Unix()),
			report.EventWorking,
			m.status,
			nil,
			"",
		)
	}
	m.status = report.StatusWorking

	switch m.contentCheckMode {
	case CheckNone:
	case CheckContentMatch:
		m.checkContentChange(body)
	case CheckAnyKeywords:
		m.checkAnyKeywordMatch(body)
	case CheckAllKeywords:
		m.checkAllKeywordMatch(body)
	case CheckSmartContentMatch:
		m.checkContentChangeSmart(body)
	default:
		panic("unexpected content check mode")
	}

	customer := m.worker.lookupCustomer(m.hostScheme.customerID)
	if customer != nil && customer.SupportsLatencyMeasurements() && elapsed <= maximumAllowedLatency {
		m.worker.telemetry.RecordLatency(
			uint32(m.id),
			startTimestamp,
			uint32(elapsed.Microseconds()),
		)
	}

	if tlsState != nil && len(tlsState.PeerCertificates) > 0 {
		expiration := uint64(tlsState.PeerCertificates[0].NotAfter.Unix())
		if m.hostScheme.sslExpirationTimestamp != expiration {
			m.hostScheme.SetSslExpirationTimestamp(expiration)
			m.worker.telemetry.ReportSslCertificateExpirationChange(
				uint32(m.id),
				uint32(m.hostScheme.id),
				expiration,
			)
		}
	}
}

// idPrefixedDigest starts a SHA-256 digest seeded with the monitor id so
// identical bodies on different monitors never alias.
func (m *Monitor) idPrefixedDigest(body []byte) [32]byte {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))

	digest := sha256.New()
	digest.Write(idBytes[:])
	digest.Write(body)

	var result [32]byte
	copy(result[:], digest.Sum(nil))
	return result
}

func (m *Monitor) checkContentChange(body []byte) {
	thisHash := m.idPrefixedDigest(body)

	if m.lastHash == nil {
		m.lastHash = thisHash[:]
		return
	}

	if !bytes.Equal(m.lastHash, thisHash[:]) {
		m.worker.telemetry.ReportEvent(
			uint32(m.id),
			uint64(time.Now().Unix()),
			report.EventContentChanged,
			m.status,
			thisHash[:],
			"",
		)
		m.lastHash = thisHash[:]
	}
}

func (m *Monitor) checkAnyKeywordMatch(body []byte) {
	if len(m.keywords) == 0 {
		return
	}

	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))

	digest := sha256.New()
	digest.Write(idBytes[:])
	digest.Write(body)

	matched := false
	for _, keyword := range m.keywords {
		if bytes.Contains(body, keyword) {
			digest.Write(keyword)
			matched = true
			break
		}
	}

	thisHash := digest.Sum(nil)

	if !matched && !bytes.Equal(m.lastHash, thisHash) {
		m.worker.telemetry.ReportEvent(
			uint32(m.id),
			uint64(time.Now().Unix()),
			report.EventKeywords,
			m.status,
			thisHash,
			"",
		)
	}

	m.lastHash = thisHash
}

func (m *Monitor) checkAllKeywordMatch(body []byte) {
	if len(m.keywords) == 0 {
		return
	}

	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))

	digest := sha256.New()
	digest.Write(idBytes[:])
	digest.Write(body)

	matched := true
	var missingKeyword []byte
	for _, keyword := range m.keywords {
		if bytes.Contains(body, keyword) {
			digest.Write(keyword)
		} else {
			matched = false
			missingKeyword = keyword
			break
		}
	}

	thisHash := digest.Sum(nil)

	if !matched && !bytes.Equal(m.lastHash, thisHash) {
		m.worker.telemetry.ReportEvent(
			uint32(m.id),
			uint64(time.Now().Unix()),
			report.EventKeywords,
			m.status,
			thisHash,
			fmt.Sprintf("Missing keyword %q", missingKeyword),
		)
	}

	m.lastHash = thisHash
}

func (m *Monitor) checkContentChangeSmart(body []byte) {
	var idBytes [4]byte
	binary.LittleEndian.PutUint32(idBytes[:], uint32(m.id))

	hasher := htmlhash.NewHasher(body)
	hasher.AddData(idBytes[:])
	thisHash := hasher.Result()

	if m.lastHash == nil {
		m.lastHash = thisHash
		return
	}

	if !bytes.Equal(m.lastHash, thisHash) {
		m.worker.telemetry.ReportEvent(
			uint32(m.id),
			uint64(time.Now().Unix()),
			report.EventContentChanged,
			m.status,
			thisHash,
			"",
		)
		m.lastHash = thisHash
	}
}
