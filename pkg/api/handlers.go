package api

import (
	"encoding/json"
	"fmt"
	"strconv"

	"pollserv/pkg/poll"
	"pollserv/pkg/sysload"
)

type statusResponse struct {
	Status string `json:"status"`
}

var okResponse = statusResponse{Status: "OK"}

func failedResponse(format string, args ...any) statusResponse {
	return statusResponse{Status: fmt.Sprintf("failed, "+format, args...)}
}

// handleStateActive transitions the pool to ACTIVE.
func (a *API) handleStateActive(_ []byte) any {
	a.pool.GoActive(true)
	return okResponse
}

// handleStateInactive transitions the pool to INACTIVE.
func (a *API) handleStateInactive(_ []byte) any {
	a.pool.GoActive(false)
	return okResponse
}

// handleRegionChange applies a new region assignment and activates the
// pool.
func (a *API) handleRegionChange(payload []byte) any {
	var request struct {
		RegionIndex   *int `json:"region_index"`
		NumberRegions *int `json:"number_regions"`
	}
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil
	}
	if request.RegionIndex == nil || request.NumberRegions == nil {
		return nil
	}

	regionIndex := *request.RegionIndex
	numberRegions := *request.NumberRegions
	if numberRegions <= 0 || regionIndex < 0 || regionIndex >= numberRegions {
		return failedResponse("invalid parameters")
	}

	a.pool.UpdateRegionData(uint(regionIndex), uint(numberRegions))
	return okResponse
}

type loadingEntry struct {
	PolledHostSchemes  uint64  `json:"polled_host_schemes"`
	MissedTimingMarks  uint64  `json:"missed_timing_marks"`
	AverageTimingError float64 `json:"average_timing_error"`
}

// handleLoadingGet reports CPU/memory estimates and every timer's loading
// snapshot, grouped by single/multi region and then polling interval.
func (a *API) handleLoadingGet(_ []byte) any {
	singleRegion := make(map[string][]loadingEntry)
	multiRegion := make(map[string][]loadingEntry)

	for signedInterval, dataList := range a.pool.LoadingData() {
		group := multiRegion
		interval := signedInterval
		if signedInterval < 0 {
			group = singleRegion
			interval = -signedInterval
		}

		key := strconv.Itoa(interval)
		for _, data := range dataList {
			group[key] = append(group[key], loadingEntry{
				PolledHostSchemes:  data.PolledHostSchemes(),
				MissedTimingMarks:  data.MissedTimingMarks(),
				AverageTimingError: data.AverageTimingError(),
			})
		}
	}

	return map[string]any{
		"status": "OK",
		"data": map[string]any{
			"cpu":           sysload.CPUUtilization(),
			"memory":        sysload.MemoryUtilization(),
			"single_region": singleRegion,
			"multi_region":  multiRegion,
		},
	}
}

// handleCustomerAdd validates the full customer catalog fragment and
// installs it. Validation is atomic: any failure rejects the entire
// request and nothing is adopted. Each adopted customer replaces any
// existing customer with the same id.
func (a *API) handleCustomerAdd(payload []byte) any {
	customers, errResponse := parseCustomers(payload)
	if errResponse != nil {
		return *errResponse
	}

	for _, customer := range customers {
		a.pool.RemoveCustomer(customer.CustomerID())
		a.pool.AddCustomer(customer)
	}

	return okResponse
}

// handleCustomerRemove removes one customer by id.
func (a *API) handleCustomerRemove(payload []byte) any {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	if len(fields) != 1 {
		return nil
	}
	raw, exists := fields["customer_id"]
	if !exists {
		return nil
	}

	var customerID float64
	if err := json.Unmarshal(raw, &customerID); err != nil {
		return nil
	}

	if customerID < 1 || customerID > 0xFFFFFFFF {
		return failedResponse("invalid customer ID")
	}

	if !a.pool.RemoveCustomer(poll.CustomerID(customerID)) {
		return failedResponse("unknown customer ID")
	}

	return okResponse
}

// handleCustomerPause toggles a customer's paused flag.
func (a *API) handleCustomerPause(payload []byte) any {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	if len(fields) != 2 {
		return nil
	}
	rawID, hasID := fields["customer_id"]
	rawPause, hasPause := fields["pause"]
	if !hasID || !hasPause {
		return nil
	}

	var customerID float64
	if err := json.Unmarshal(rawID, &customerID); err != nil {
		return nil
	}
	var nowPaused bool
	if err := json.Unmarshal(rawPause, &nowPaused); err != nil {
		return nil
	}

	if customerID < 1 || customerID > 0xFFFFFFFF {
		return failedResponse("invalid customer ID")
	}

	a.pool.SetPaused(poll.CustomerID(customerID), nowPaused)
	return okResponse
}
