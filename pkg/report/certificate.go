package report

import (
	"time"

	"github.com/sirupsen/logrus"
)

// certificateReportPath is the controller endpoint for certificate
// expiration changes.
const certificateReportPath = "/host_scheme/certificate"

// certificateRetryDelay is the wait between delivery attempts.
const certificateRetryDelay = 60 * time.Second

// certificateReporter carries one certificate change to the controller,
// retrying until the controller accepts it. Instances are single use.
type certificateReporter struct {
	poster  Poster
	logger  *logrus.Logger
	payload map[string]any
}

func newCertificateReporter(
	poster Poster,
	logger *logrus.Logger,
	monitorID uint32,
	hostSchemeID uint32,
	expirationTimestamp uint64,
) *certificateReporter {
	return &certificateReporter{
		poster: poster,
		logger: logger,
		payload: map[string]any{
			"monitor_id":           monitorID,
			"host_scheme_id":       hostSchemeID,
			"expiration_timestamp": expirationTimestamp,
		},
	}
}

// run delivers the report, sleeping between failed attempts. It returns
// only once the controller has accepted the report.
func (r *certificateReporter) run() {
	for {
		response, err := r.poster.PostJSON(certificateReportPath, r.payload)
		if err == nil {
			status := responseStatus(response)
			if status == "OK" {
				r.logger.Infof(
					"Sent certificate data to %s: monitor %v, host/scheme %v, expires %v",
					certificateReportPath,
					r.payload["monitor_id"],
					r.payload["host_scheme_id"],
					r.payload["expiration_timestamp"],
				)
				return
			}
			r.logger.Warnf(
				"Failed to send certificate data: server reported %q -- retrying in %v",
				status, certificateRetryDelay,
			)
		} else {
			r.logger.Warnf(
				"Failed to send certificate data: %v -- retrying in %v",
				err, certificateRetryDelay,
			)
		}

		time.Sleep(certificateRetryDelay)
	}
}
