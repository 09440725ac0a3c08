package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"pollserv/pkg/poll"
)

type monitorSpec struct {
	URI              *string   `json:"uri"`
	Method           *string   `json:"method"`
	ContentCheckMode *string   `json:"content_check_mode"`
	PostContentType  *string   `json:"post_content_type"`
	Keywords         *[]string `json:"keywords"`
	PostUserAgent    *string   `json:"post_user_agent"`
	PostContent      *string   `json:"post_content"`
}

type hostSchemeSpec struct {
	URL      *string                    `json:"url"`
	Monitors map[string]json.RawMessage `json:"monitors"`
}

type customerSpec struct {
	PollingInterval *int                       `json:"polling_interval"`
	Ping            *bool                      `json:"ping"`
	SslExpiration   *bool                      `json:"ssl_expiration"`
	Latency         *bool                      `json:"latency"`
	MultiRegion     *bool                      `json:"multi_region"`
	HostSchemes     map[string]json.RawMessage `json:"host_schemes"`
}

// strictUnmarshal decodes JSON rejecting unknown fields and trailing
// garbage.
func strictUnmarshal(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// parseCustomers validates a complete customer/add payload and builds the
// customer entities. On any error the already-built entities are
// discarded and a failure response is returned; the caller adopts
// nothing.
func parseCustomers(payload []byte) ([]*poll.Customer, *statusResponse) {
	var byCustomer map[string]json.RawMessage
	if err := json.Unmarshal(payload, &byCustomer); err != nil {
		return nil, nil
	}

	var customers []*poll.Customer
	for customerIDString, raw := range byCustomer {
		customerID, err := parseID(customerIDString)
		if err != nil {
			response := failedResponse("invalid customer ID %s", customerIDString)
			return nil, &response
		}

		customer, response := parseCustomer(poll.CustomerID(customerID), raw)
		if response != nil {
			return nil, response
		}
		customers = append(customers, customer)
	}

	return customers, nil
}

// parseID parses a decimal identifier, rejecting zero.
func parseID(s string) (uint32, error) {
	value, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if value == 0 {
		return 0, strconv.ErrRange
	}
	return uint32(value), nil
}

func parseCustomer(customerID poll.CustomerID, raw json.RawMessage) (*poll.Customer, *statusResponse) {
	var spec customerSpec
	if err := strictUnmarshal(raw, &spec); err != nil {
		response := failedResponse("unexpected entries, customer %d", customerID)
		return nil, &response
	}

	if spec.PollingInterval == nil || spec.HostSchemes == nil {
		response := failedResponse("missing required fields, customer %d", customerID)
		return nil, &response
	}

	if *spec.PollingInterval < poll.MinimumPollingInterval {
		response := failedResponse("invalid polling interval, customer %d", customerID)
		return nil, &response
	}

	customer := poll.NewCustomer(
		customerID,
		boolValue(spec.Ping),
		boolValue(spec.SslExpiration),
		boolValue(spec.Latency),
		boolValue(spec.MultiRegion),
		uint(*spec.PollingInterval),
	)

	for hostSchemeIDString, rawHostScheme := range spec.HostSchemes {
		hostSchemeID, err := parseID(hostSchemeIDString)
		if err != nil {
			response := failedResponse("invalid host/scheme ID %s", hostSchemeIDString)
			return nil, &response
		}

		hostScheme, response := parseHostScheme(poll.HostSchemeID(hostSchemeID), rawHostScheme)
		if response != nil {
			return nil, response
		}
		customer.AddHostScheme(hostScheme)
	}

	return customer, nil
}

func parseHostScheme(hostSchemeID poll.HostSchemeID, raw json.RawMessage) (*poll.HostScheme, *statusResponse) {
	var spec hostSchemeSpec
	if err := strictUnmarshal(raw, &spec); err != nil {
		response := failedResponse("unexpected entries, host/scheme %d", hostSchemeID)
		return nil, &response
	}

	if spec.URL == nil || spec.Monitors == nil {
		response := failedResponse("missing required fields, host/scheme %d", hostSchemeID)
		return nil, &response
	}

	baseURL, err := url.Parse(*spec.URL)
	if err != nil || !baseURL.IsAbs() || baseURL.Host == "" {
		response := failedResponse("invalid URL, host/scheme %d", hostSchemeID)
		return nil, &response
	}

	hostScheme := poll.NewHostScheme(hostSchemeID, baseURL)

	for monitorIDString, rawMonitor := range spec.Monitors {
		monitorID, err := parseID(monitorIDString)
		if err != nil {
			response := failedResponse("invalid monitor ID %s", monitorIDString)
			return nil, &response
		}

		monitor, response := parseMonitor(poll.MonitorID(monitorID), rawMonitor)
		if response != nil {
			return nil, response
		}
		hostScheme.AddMonitor(monitor)
	}

	return hostScheme, nil
}

func parseMonitor(monitorID poll.MonitorID, raw json.RawMessage) (*poll.Monitor, *statusResponse) {
	var spec monitorSpec
	if err := strictUnmarshal(raw, &spec); err != nil {
		response := failedResponse("unexpected entries, monitor ID %d", monitorID)
		return nil, &response
	}

	if spec.URI == nil {
		response := failedResponse("missing required field \"uri\", monitor ID %d", monitorID)
		return nil, &response
	}

	method := poll.MethodGet
	if spec.Method != nil {
		var ok bool
		method, ok = poll.ToMethod(*spec.Method)
		if !ok {
			response := failedResponse("invalid method, monitor ID %d", monitorID)
			return nil, &response
		}
	}

	contentCheckMode := poll.CheckNone
	if spec.ContentCheckMode != nil {
		var ok bool
		contentCheckMode, ok = poll.ToContentCheckMode(*spec.ContentCheckMode)
		if !ok {
			response := failedResponse(
				"invalid content_check_mode, use \"no_check\", \"content_match\", "+
					"\"all_keywords\", \"any_keywords\", or \"smart_content_match\", monitor ID %d",
				monitorID,
			)
			return nil, &response
		}
	}

	contentType := poll.ContentTypeText
	if spec.PostContentType != nil {
		var ok bool
		contentType, ok = poll.ToContentType(*spec.PostContentType)
		if !ok {
			response := failedResponse(
				"invalid post_content_type, use \"text\", \"json\", or \"xml\", monitor ID %d",
				monitorID,
			)
			return nil, &response
		}
	}

	var keywords [][]byte
	if spec.Keywords != nil {
		for _, encoded := range *spec.Keywords {
			keyword, err := base64.StdEncoding.Strict().DecodeString(encoded)
			if err != nil {
				response := failedResponse(
					"keyword entries should be base64 encoded as per RFC4648, monitor ID %d",
					monitorID,
				)
				return nil, &response
			}
			keywords = append(keywords, keyword)
		}
	}

	userAgent := ""
	if spec.PostUserAgent != nil {
		userAgent = *spec.PostUserAgent
	}

	var postContent []byte
	if spec.PostContent != nil {
		var err error
		postContent, err = base64.StdEncoding.Strict().DecodeString(*spec.PostContent)
		if err != nil {
			response := failedResponse(
				"post_content should be base64 encoded as per RFC4648, monitor ID %d",
				monitorID,
			)
			return nil, &response
		}
	}

	return poll.NewMonitor(
		monitorID,
		*spec.URI,
		method,
		contentCheckMode,
		keywords,
		contentType,
		userAgent,
		postContent,
	), nil
}

func boolValue(b *bool) bool {
	return b != nil && *b
}
