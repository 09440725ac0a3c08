package poll

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// missedTimingMarkResetInterval is the cadence at which loading snapshots
// are published and the miss counters reset.
const missedTimingMarkResetInterval = 2 * time.Hour

// HostSchemeTimer spreads the host/schemes of one (polling interval,
// multi-region) class evenly across the polling period. Host/schemes are
// ordered by the bit-reversal of their id, which scatters consecutive ids
// across [0, 2^32); each one fires at
// cycleStart + period * key / 2^32, so any two consecutive fires target
// maximally distant ids. Cycles are anchored to wall-clock epochs so all
// regions agree on phase; a region offset shifts this region's stream by
// its share of the period.
//
// The timer's state is mutated only on the owning worker's goroutine.
// The mutex guards the key table and the published loading snapshot for
// cross-thread readers.
type HostSchemeTimer struct {
	mutex sync.Mutex

	multiRegion            bool
	aggregatePeriodSeconds uint
	periodMilliseconds     uint64
	regionIndex            uint
	numberRegions          uint
	regionOffsetMs         uint64

	// keys is the sorted phase-key table; schemes maps phase key to
	// host/scheme.
	keys    []uint32
	schemes map[uint32]*HostScheme
	cursor  int

	cycleStartMs uint64
	armed        bool
	forceResync  bool

	missedTimingWindows uint64
	sumMissedMs         uint64
	nextTimingReset     uint64
	loadingData         LoadingData

	// schedule arms the underlying timer; the worker points it at its
	// command channel. nowMs is the wall clock, replaced in tests.
	schedule func(delay time.Duration, timer *HostSchemeTimer)
	nowMs    func() uint64

	logger *logrus.Logger
}

// NewHostSchemeTimer creates a timer for one polling class. period is the
// customer-declared polling interval in seconds; for multi-region classes
// the wheel period is the interval times the region count.
func NewHostSchemeTimer(
	multiRegion bool,
	period uint,
	regionIndex uint,
	numberRegions uint,
	logger *logrus.Logger,
) *HostSchemeTimer {
	t := &HostSchemeTimer{
		multiRegion:            multiRegion,
		aggregatePeriodSeconds: period,
		regionIndex:            regionIndex,
		numberRegions:          numberRegions,
		schemes:                make(map[uint32]*HostScheme),
		nowMs:                  func() uint64 { return uint64(time.Now().UnixMilli()) },
		logger:                 logger,
	}
	t.recomputePeriod()
	return t
}

// recomputePeriod derives the wheel period and region offset from the
// current region data.
func (t *HostSchemeTimer) recomputePeriod() {
	if t.multiRegion {
		t.periodMilliseconds = 1000 * uint64(t.aggregatePeriodSeconds) * uint64(t.numberRegions)
	} else {
		t.periodMilliseconds = 1000 * uint64(t.aggregatePeriodSeconds)
	}

	if t.numberRegions == 0 {
		t.regionOffsetMs = 0
	} else {
		t.regionOffsetMs = t.periodMilliseconds * uint64(t.regionIndex) / uint64(t.numberRegions)
	}

	t.logger.Infof(
		"Adjusting host/scheme timer. Region %d/%d, period %d mSec, offset %d mSec",
		t.regionIndex, t.numberRegions, t.periodMilliseconds, t.regionOffsetMs,
	)
}

// MonitorsPerSecond returns the service rate this timer contributes.
func (t *HostSchemeTimer) MonitorsPerSecond() float64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.periodMilliseconds == 0 {
		return 0
	}
	return 1000.0 * float64(len(t.keys)) / float64(t.periodMilliseconds)
}

// LoadingData returns the last published loading snapshot.
func (t *HostSchemeTimer) LoadingData() LoadingData {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.loadingData
}

// SignedInterval returns the timer's map key: the polling interval in
// seconds, positive for multi-region classes and negative otherwise.
func (t *HostSchemeTimer) SignedInterval() int {
	if t.multiRegion {
		return int(t.aggregatePeriodSeconds)
	}
	return -int(t.aggregatePeriodSeconds)
}

// AddHostScheme inserts a host/scheme at its phase key. Adding to an idle
// timer rearms it.
func (t *HostSchemeTimer) AddHostScheme(hostScheme *HostScheme) {
	key := bitReverse32(uint32(hostScheme.id))

	t.mutex.Lock()
	position := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= key })
	if position == len(t.keys) || t.keys[position] != key {
		t.keys = append(t.keys, 0)
		copy(t.keys[position+1:], t.keys[position:])
		t.keys[position] = key
		if position < t.cursor {
			t.cursor++
		}
	}
	t.schemes[key] = hostScheme
	wasIdle := !t.armed
	t.mutex.Unlock()

	if wasIdle {
		t.Start()
	}
}

// RemoveHostScheme erases a host/scheme from the wheel. When the cursor
// pointed at the erased entry it stays in place, now addressing the
// successor.
func (t *HostSchemeTimer) RemoveHostScheme(hostSchemeID HostSchemeID) bool {
	key := bitReverse32(uint32(hostSchemeID))

	t.mutex.Lock()
	defer t.mutex.Unlock()

	position := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= key })
	if position == len(t.keys) || t.keys[position] != key {
		return false
	}

	t.keys = append(t.keys[:position], t.keys[position+1:]...)
	delete(t.schemes, key)
	if position < t.cursor {
		t.cursor--
	}

	return true
}

// GetHostScheme returns the host/scheme with the given id, or nil.
func (t *HostSchemeTimer) GetHostScheme(hostSchemeID HostSchemeID) *HostScheme {
	key := bitReverse32(uint32(hostSchemeID))

	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.schemes[key]
}

// UpdateRegionData applies new region parameters. A running timer is
// flagged to drop its cursor and re-anchor from the wall clock on the
// next tick so a stale anchor cannot introduce drift.
func (t *HostSchemeTimer) UpdateRegionData(regionIndex uint, numberRegions uint) {
	t.regionIndex = regionIndex
	t.numberRegions = numberRegions
	t.recomputePeriod()

	t.mutex.Lock()
	if t.armed {
		t.forceResync = true
	}
	workAvailable := len(t.keys) > 0
	t.mutex.Unlock()

	if workAvailable {
		t.Start()
	}
}

// Start begins or restarts the timing cycle. With no regions configured
// or nothing to service, the timer idles.
func (t *HostSchemeTimer) Start() {
	t.mutex.Lock()
	hasWork := t.numberRegions > 0 && len(t.keys) > 0
	t.mutex.Unlock()

	if !hasWork {
		return
	}

	t.missedTimingWindows = 0
	t.sumMissedMs = 0
	t.nextTimingReset = t.nowMs() + uint64(missedTimingMarkResetInterval.Milliseconds())

	t.restartTimingCycle()
}

// Stop idles the timer. A pending fire may still arrive; Tick ignores it
// while the timer is not armed.
func (t *HostSchemeTimer) Stop() {
	t.mutex.Lock()
	t.armed = false
	t.mutex.Unlock()
}

// Tick services the next host/scheme. Invoked by the worker loop when the
// scheduled delay elapses.
func (t *HostSchemeTimer) Tick() {
	t.mutex.Lock()
	if !t.armed {
		t.mutex.Unlock()
		return
	}
	t.armed = false

	size := len(t.keys)

	// The cursor can legitimately reach the end of the table after a
	// removal, and a resync is forced on region changes. Either way the
	// cycle is re-anchored, or the timer idles when the table is empty.
	if t.cursor >= size || t.forceResync {
		t.forceResync = false
		t.mutex.Unlock()
		if size > 0 {
			t.restartTimingCycle()
		}
		return
	}

	hostScheme := t.schemes[t.keys[t.cursor]]
	t.cursor++
	endOfCycle := t.cursor >= len(t.keys)
	t.mutex.Unlock()

	if endOfCycle {
		t.restartTimingCycle()
	} else {
		t.scheduleNextHostScheme()
	}

	if hostScheme != nil {
		hostScheme.ServiceNextMonitor()
	}
}

// restartTimingCycle re-anchors the cycle start to the next wall-clock
// period boundary plus the region offset and schedules the first entry.
func (t *HostSchemeTimer) restartTimingCycle() {
	now := t.nowMs()
	cycleIndex := now / t.periodMilliseconds

	t.mutex.Lock()
	t.cursor = 0
	t.cycleStartMs = t.periodMilliseconds*(cycleIndex+1) + t.regionOffsetMs
	t.mutex.Unlock()

	t.scheduleNextHostScheme()
}

// scheduleNextHostScheme arms the timer for the cursor's entry, accounts
// a missed window when the fire time has already passed, and publishes a
// loading snapshot at the resampling boundary.
func (t *HostSchemeTimer) scheduleNextHostScheme() {
	t.mutex.Lock()
	if t.cursor >= len(t.keys) {
		t.mutex.Unlock()
		return
	}
	key := t.keys[t.cursor]
	t.armed = true
	t.mutex.Unlock()

	timeFraction := float64(key) / 4294967296.0
	nextEvent := t.cycleStartMs + uint64(float64(t.periodMilliseconds)*timeFraction+0.5)
	now := t.nowMs()

	var delay time.Duration
	if nextEvent > now {
		delay = time.Duration(nextEvent-now) * time.Millisecond
	} else {
		missedBy := now - nextEvent
		if missedBy > 1 {
			t.missedTimingWindows++
			t.sumMissedMs += missedBy
		}
		delay = 0
	}

	t.schedule(delay, t)

	if now > t.nextTimingReset {
		t.mutex.Lock()
		var averageError float64
		if t.missedTimingWindows > 0 {
			averageError = float64(t.sumMissedMs) / (1000.0 * float64(t.missedTimingWindows))
		}

		t.loadingData = NewLoadingData(uint64(len(t.keys)), t.missedTimingWindows, averageError)

		t.missedTimingWindows = 0
		t.sumMissedMs = 0
		t.nextTimingReset += uint64(missedTimingMarkResetInterval.Milliseconds())
		t.mutex.Unlock()
	}
}

// NextFireTime exposes the scheduled fire instant, in milliseconds since
// the epoch, of the host/scheme at the current cursor. Used by the
// scheduling tests.
func (t *HostSchemeTimer) NextFireTime() uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.cursor >= len(t.keys) {
		return 0
	}
	timeFraction := float64(t.keys[t.cursor]) / 4294967296.0
	return t.cycleStartMs + uint64(float64(t.periodMilliseconds)*timeFraction+0.5)
}

// fireOffsets returns each host/scheme's offset from the cycle start in
// milliseconds, in wheel order. Used by the scheduling tests.
func (t *HostSchemeTimer) fireOffsets() []uint64 {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	offsets := make([]uint64, 0, len(t.keys))
	for _, key := range t.keys {
		timeFraction := float64(key) / 4294967296.0
		offsets = append(offsets, uint64(float64(t.periodMilliseconds)*timeFraction+0.5))
	}
	return offsets
}
