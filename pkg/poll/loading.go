package poll

// minimumAcceptablePolledMonitors is the minimum number of polled
// host/schemes before the average timing error is meaningful.
const minimumAcceptablePolledMonitors = 1000

// LoadingData is an immutable snapshot of how well a host/scheme timer is
// keeping up with its schedule. Snapshots are produced at a fixed cadence
// and reported through the /loading/get endpoint.
type LoadingData struct {
	polledHostSchemes  uint64
	missedTimingMarks  uint64
	averageTimingError float64
}

// NewLoadingData builds a snapshot. The average timing error is suppressed
// to zero until enough host/schemes have been polled for it to mean
// anything.
func NewLoadingData(polledHostSchemes uint64, missedTimingMarks uint64, averageTimingError float64) LoadingData {
	if polledHostSchemes < minimumAcceptablePolledMonitors {
		averageTimingError = 0
	}

	return LoadingData{
		polledHostSchemes:  polledHostSchemes,
		missedTimingMarks:  missedTimingMarks,
		averageTimingError: averageTimingError,
	}
}

// PolledHostSchemes returns the number of host/schemes serviced by the
// timer during the sample period.
func (ld LoadingData) PolledHostSchemes() uint64 {
	return ld.polledHostSchemes
}

// MissedTimingMarks returns the number of timing windows missed by more
// than a millisecond.
func (ld LoadingData) MissedTimingMarks() uint64 {
	return ld.missedTimingMarks
}

// AverageTimingError returns the average miss, in seconds.
func (ld LoadingData) AverageTimingError() float64 {
	return ld.averageTimingError
}
