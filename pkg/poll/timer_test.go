package poll

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

// stubTimer creates a timer whose clock is pinned and whose scheduling is
// captured instead of armed.
func stubTimer(multiRegion bool, period uint, regionIndex uint, numberRegions uint) (*HostSchemeTimer, *[]time.Duration) {
	delays := &[]time.Duration{}
	t := NewHostSchemeTimer(multiRegion, period, regionIndex, numberRegions, testLogger())
	t.nowMs = func() uint64 { return 1_700_000_000_000 }
	t.schedule = func(delay time.Duration, _ *HostSchemeTimer) {
		*delays = append(*delays, delay)
	}
	return t, delays
}

func addScheme(t *HostSchemeTimer, id HostSchemeID) *HostScheme {
	hs := NewHostScheme(id, mustParseURL("https://example.com/"))
	t.AddHostScheme(hs)
	return hs
}

func TestTimer_SingleRegionSpread(t *testing.T) {
	// Ids 1..4 with P=20s: offsets within the 20000 ms cycle must be
	// {id4: 2500, id2: 5000, id1: 10000, id3: 15000} in wheel order.
	timer, _ := stubTimer(false, 20, 0, 1)
	for _, id := range []HostSchemeID{1, 2, 3, 4} {
		addScheme(timer, id)
	}

	offsets := timer.fireOffsets()
	expected := []uint64{2500, 5000, 10000, 15000}
	if len(offsets) != len(expected) {
		t.Fatalf("expected %d offsets, got %d", len(expected), len(offsets))
	}
	for i, offset := range offsets {
		if offset != expected[i] {
			t.Errorf("offset %d: expected %d ms, got %d ms", i, expected[i], offset)
		}
	}

	// Wheel order is id 4, 2, 1, 3.
	order := []HostSchemeID{4, 2, 1, 3}
	for i, key := range timer.keys {
		if timer.schemes[key].HostSchemeID() != order[i] {
			t.Errorf("position %d: expected host/scheme %d, got %d",
				i, order[i], timer.schemes[key].HostSchemeID())
		}
	}
}

func TestTimer_MultiRegionOffsets(t *testing.T) {
	// Ids 1..4 with P=20s and R=2: the cycle is 40 s and offsets double.
	timer, _ := stubTimer(true, 20, 0, 2)
	for _, id := range []HostSchemeID{1, 2, 3, 4} {
		addScheme(timer, id)
	}

	offsets := timer.fireOffsets()
	expected := []uint64{5000, 10000, 20000, 30000}
	for i, offset := range offsets {
		if offset != expected[i] {
			t.Errorf("offset %d: expected %d ms, got %d ms", i, expected[i], offset)
		}
	}
}

func TestTimer_RegionPhaseShift(t *testing.T) {
	// For fixed (P, R, id), moving from region r to r+1 shifts the fire
	// time by exactly P seconds modulo the cycle.
	const period = 20

	timer0, _ := stubTimer(true, period, 0, 2)
	timer1, _ := stubTimer(true, period, 1, 2)

	addScheme(timer0, 9)
	addScheme(timer1, 9)

	cycle := uint64(1000 * period * 2)
	fire0 := timer0.NextFireTime() % cycle
	fire1 := timer1.NextFireTime() % cycle

	shift := (fire1 + cycle - fire0) % cycle
	if shift != 1000*period {
		t.Errorf("expected phase shift of %d ms, got %d ms", 1000*period, shift)
	}
}

func TestTimer_PhaseUniformity(t *testing.T) {
	// With N random distinct ids, the largest gap between consecutive
	// fire offsets must not exceed 2*P/N.
	const n = 256
	const periodSeconds = 60

	// Sequential ids are the worst case for naive ordering; bit reversal
	// turns them into a low-discrepancy sequence. A random non-zero base
	// exercises arbitrary id ranges.
	rng := rand.New(rand.NewSource(1))
	base := rng.Uint32()%1_000_000 + 1

	timer, _ := stubTimer(false, periodSeconds, 0, 1)
	for i := uint32(0); i < n; i++ {
		addScheme(timer, HostSchemeID(base+i))
	}

	offsets := timer.fireOffsets()
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	periodMs := uint64(1000 * periodSeconds)
	limit := 2 * periodMs / n

	for i := 1; i < len(offsets); i++ {
		if gap := offsets[i] - offsets[i-1]; gap > limit {
			t.Fatalf("gap %d ms between offsets %d and %d exceeds %d ms", gap, i-1, i, limit)
		}
	}

	// Wrap-around gap.
	if gap := periodMs - offsets[len(offsets)-1] + offsets[0]; gap > limit {
		t.Errorf("wrap-around gap %d ms exceeds %d ms", gap, limit)
	}
}

func TestTimer_CycleAnchoring(t *testing.T) {
	// The cycle start is the next period boundary plus the region offset.
	timer, _ := stubTimer(false, 20, 0, 1)
	addScheme(timer, 1)

	now := uint64(1_700_000_000_000)
	expectedStart := 20000 * (now/20000 + 1)
	if timer.cycleStartMs != expectedStart {
		t.Errorf("expected cycle start %d, got %d", expectedStart, timer.cycleStartMs)
	}
}

func TestTimer_TickAdvancesAndServices(t *testing.T) {
	timer, delays := stubTimer(false, 20, 0, 1)
	addScheme(timer, 1)
	addScheme(timer, 2)

	if len(*delays) == 0 {
		t.Fatal("expected the first fire to be scheduled on add")
	}

	before := timer.cursor
	timer.Tick()
	if timer.cursor != before+1 {
		t.Errorf("expected cursor to advance from %d, got %d", before, timer.cursor)
	}
}

func TestTimer_RemoveAtCursor(t *testing.T) {
	timer, _ := stubTimer(false, 20, 0, 1)
	for _, id := range []HostSchemeID{1, 2, 3, 4} {
		addScheme(timer, id)
	}

	// Wheel order is 4, 2, 1, 3. Advance the cursor to entry index 1
	// (id 2) and remove it; the cursor must stay at index 1, now
	// addressing id 1.
	timer.Tick()
	if !timer.RemoveHostScheme(2) {
		t.Fatal("expected removal of host/scheme 2 to succeed")
	}
	if timer.cursor != 1 {
		t.Errorf("expected cursor 1 after removing at cursor, got %d", timer.cursor)
	}
	if got := timer.schemes[timer.keys[timer.cursor]].HostSchemeID(); got != 1 {
		t.Errorf("expected cursor to address host/scheme 1, got %d", got)
	}

	// Removing an entry before the cursor shifts it back.
	if !timer.RemoveHostScheme(4) {
		t.Fatal("expected removal of host/scheme 4 to succeed")
	}
	if timer.cursor != 0 {
		t.Errorf("expected cursor 0 after removing before cursor, got %d", timer.cursor)
	}
}

func TestTimer_RemoveUnknown(t *testing.T) {
	timer, _ := stubTimer(false, 20, 0, 1)
	addScheme(timer, 1)
	if timer.RemoveHostScheme(99) {
		t.Error("expected removal of unknown host/scheme to fail")
	}
}

func TestTimer_MissAccounting(t *testing.T) {
	timer, _ := stubTimer(false, 20, 0, 1)

	// Pin the clock so the first fire is scheduled normally, then jump
	// the clock past the fire time before rescheduling.
	currentMs := uint64(1_700_000_000_000)
	timer.nowMs = func() uint64 { return currentMs }
	addScheme(timer, 1)
	addScheme(timer, 2)

	currentMs += 100_000 // way past every window in the cycle
	timer.Tick()

	if timer.missedTimingWindows == 0 {
		t.Error("expected a missed timing window after clock jump")
	}
	if timer.sumMissedMs == 0 {
		t.Error("expected accumulated miss milliseconds")
	}
}

func TestTimer_UpdateRegionDataForcesResync(t *testing.T) {
	timer, _ := stubTimer(false, 20, 0, 1)
	addScheme(timer, 1)

	oldStart := timer.cycleStartMs
	timer.nowMs = func() uint64 { return 1_700_000_777_000 }
	timer.UpdateRegionData(0, 2)

	if timer.cycleStartMs == oldStart {
		t.Error("expected cycle start to be re-anchored after region change")
	}
	if timer.regionOffsetMs != 0 {
		t.Errorf("expected zero region offset for region 0, got %d", timer.regionOffsetMs)
	}
}

func TestTimer_MonitorsPerSecond(t *testing.T) {
	timer, _ := stubTimer(false, 20, 0, 1)
	for _, id := range []HostSchemeID{1, 2, 3, 4} {
		addScheme(timer, id)
	}

	// Four host/schemes over 20 seconds.
	expected := 4.0 / 20.0
	if got := timer.MonitorsPerSecond(); got != expected {
		t.Errorf("expected %f monitors/second, got %f", expected, got)
	}
}

func TestTimer_SignedInterval(t *testing.T) {
	single, _ := stubTimer(false, 30, 0, 1)
	multi, _ := stubTimer(true, 30, 0, 1)

	if single.SignedInterval() != -30 {
		t.Errorf("expected -30 for single region, got %d", single.SignedInterval())
	}
	if multi.SignedInterval() != 30 {
		t.Errorf("expected 30 for multi region, got %d", multi.SignedInterval())
	}
}

func TestLoadingData_SuppressesAverageBelowMinimum(t *testing.T) {
	small := NewLoadingData(10, 5, 1.5)
	if small.AverageTimingError() != 0 {
		t.Errorf("expected zero average below the sample floor, got %f", small.AverageTimingError())
	}

	large := NewLoadingData(5000, 5, 1.5)
	if large.AverageTimingError() != 1.5 {
		t.Errorf("expected average 1.5, got %f", large.AverageTimingError())
	}
}
