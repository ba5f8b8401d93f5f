package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fieldacoustics/slmgate/internal/nl43"
)

func testNow() time.Time {
	return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
}

func snap(unitID, state string) *nl43.Snapshot {
	return &nl43.Snapshot{
		UnitID:           unitID,
		MeasurementState: state,
		Counter:          "5",
		Lp:               "65.2",
		Leq:              "68.4",
		RawPayload:       "5,65.2,68.4",
	}
}

func TestApplySnapshotCreatesRow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	if err := s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStop), now); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	st, err := s.GetStatus(ctx, "unit-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.MeasurementState != nl43.StateStop || st.Leq != "68.4" {
		t.Errorf("status = %+v", st)
	}
	if st.LastSeen == nil || !st.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", st.LastSeen, now)
	}
	if st.MeasurementStartTime != nil {
		t.Error("start time set on Stop snapshot")
	}
}

func TestApplySnapshotStateTransitions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Stop, Stop, Start, Start, Stop at t0..t4: the start time must be
	// stamped at the Stop→Start edge (t2), survive the repeated Start, and
	// clear on Start→Stop.
	base := testNow()
	states := []string{
		nl43.StateStop, nl43.StateStop, nl43.StateStart,
		nl43.StateStart, nl43.StateStop,
	}
	times := make([]time.Time, len(states))
	for i := range times {
		times[i] = base.Add(time.Duration(i) * time.Minute)
	}

	for i := 0; i < 3; i++ {
		if err := s.ApplySnapshot(ctx, snap("unit-1", states[i]), times[i]); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	st, err := s.GetStatus(ctx, "unit-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.MeasurementStartTime == nil || !st.MeasurementStartTime.Equal(times[2]) {
		t.Fatalf("after step 3 start time = %v, want %v", st.MeasurementStartTime, times[2])
	}

	// A repeated Start must not restamp.
	if err := s.ApplySnapshot(ctx, snap("unit-1", states[3]), times[3]); err != nil {
		t.Fatalf("step 4: %v", err)
	}
	st, _ = s.GetStatus(ctx, "unit-1")
	if !st.MeasurementStartTime.Equal(times[2]) {
		t.Fatalf("after step 4 start time = %v, want unchanged %v", st.MeasurementStartTime, times[2])
	}

	// Leaving Start clears the start time and resets the sync flag.
	if err := s.SetSyncAttempted(ctx, "unit-1", true); err != nil {
		t.Fatalf("SetSyncAttempted: %v", err)
	}
	if err := s.ApplySnapshot(ctx, snap("unit-1", states[4]), times[4]); err != nil {
		t.Fatalf("step 5: %v", err)
	}
	st, _ = s.GetStatus(ctx, "unit-1")
	if st.MeasurementStartTime != nil {
		t.Errorf("after step 5 start time = %v, want absent", st.MeasurementStartTime)
	}
	if st.StartTimeSyncAttempted {
		t.Error("sync flag not reset on Start→Stop")
	}
}

func TestApplySnapshotStartTimeIffStart(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	// Start first observed from unknown does not stamp: the real start
	// time predates this process and is recovered over FTP instead.
	if err := s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStart), now); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	st, _ := s.GetStatus(ctx, "unit-1")
	if st.MeasurementState != nl43.StateStart {
		t.Errorf("state = %q, want Start", st.MeasurementState)
	}
	if st.MeasurementStartTime != nil {
		t.Errorf("start time = %v, want absent for unknown→Start", st.MeasurementStartTime)
	}

	// Start → unknown clears.
	if err := s.ApplySnapshot(ctx, snap("unit-1", nl43.StateUnknown), now.Add(time.Minute)); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	st, _ = s.GetStatus(ctx, "unit-1")
	if st.MeasurementStartTime != nil {
		t.Error("start time survived Start→unknown")
	}
}

func TestApplySnapshotLogsTransitions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStop), now)
	s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStart), now.Add(time.Minute))
	s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStart), now.Add(2*time.Minute))
	s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStop), now.Add(3*time.Minute))

	logs, err := s.QueryLogs(ctx, "unit-1", LogFilter{Category: CategoryState})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	// Exactly two STATE entries: one started, one stopped.
	if len(logs) != 2 {
		t.Fatalf("STATE log entries = %d, want 2", len(logs))
	}
}

func TestPollFailureThreshold(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	for i := 1; i <= 4; i++ {
		failures, became, err := s.MarkPollFailure(ctx, "unit-1", now, "connect refused")
		if err != nil {
			t.Fatalf("MarkPollFailure %d: %v", i, err)
		}
		if failures != i {
			t.Errorf("failures = %d, want %d", failures, i)
		}
		if became != (i == UnreachableThreshold) {
			t.Errorf("becameUnreachable at %d = %v", i, became)
		}
	}

	st, err := s.GetStatus(ctx, "unit-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.IsReachable {
		t.Error("still reachable after 4 failures")
	}
	if st.LastError != "connect refused" {
		t.Errorf("LastError = %q", st.LastError)
	}

	// The unreachable transition is logged exactly once.
	logs, _ := s.QueryLogs(ctx, "unit-1", LogFilter{Category: CategoryPoll})
	if len(logs) != 1 {
		t.Errorf("POLL transition log entries = %d, want 1", len(logs))
	}
}

func TestPollSuccessResetsFailures(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	for i := 0; i < 3; i++ {
		s.MarkPollFailure(ctx, "unit-1", now, "down")
	}

	recovered, err := s.MarkPollSuccess(ctx, "unit-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("MarkPollSuccess: %v", err)
	}
	if !recovered {
		t.Error("recovery transition not reported")
	}

	st, _ := s.GetStatus(ctx, "unit-1")
	if !st.IsReachable || st.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v, want reachable with zero failures", st)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want cleared", st.LastError)
	}
	if st.LastSuccess == nil || !st.LastSuccess.Equal(now.Add(time.Minute)) {
		t.Errorf("LastSuccess = %v", st.LastSuccess)
	}

	// A second success is not another recovery.
	recovered, _ = s.MarkPollSuccess(ctx, "unit-1", now.Add(2*time.Minute))
	if recovered {
		t.Error("repeat success reported as recovery")
	}
}

func TestLastErrorTruncated(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("x", 900)
	if _, _, err := s.MarkPollFailure(ctx, "unit-1", testNow(), long); err != nil {
		t.Fatalf("MarkPollFailure: %v", err)
	}

	st, _ := s.GetStatus(ctx, "unit-1")
	if len(st.LastError) != maxLastErrorBytes {
		t.Errorf("LastError length = %d, want %d", len(st.LastError), maxLastErrorBytes)
	}
}

func TestMarkPollAttempt(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	if err := s.MarkPollAttempt(ctx, "unit-1", now); err != nil {
		t.Fatalf("MarkPollAttempt: %v", err)
	}
	st, err := s.GetStatus(ctx, "unit-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.LastPollAttempt == nil || !st.LastPollAttempt.Equal(now) {
		t.Errorf("LastPollAttempt = %v, want %v", st.LastPollAttempt, now)
	}
}

func TestApplyStatusUpdatePartial(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	now := testNow()

	if err := s.ApplySnapshot(ctx, snap("unit-1", nl43.StateStop), now); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	if err := s.ApplyStatusUpdate(ctx, "unit-1", StatusUpdate{
		BatteryLevel: strp("87"),
		PowerSource:  strp("External"),
	}, now.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyStatusUpdate: %v", err)
	}

	st, _ := s.GetStatus(ctx, "unit-1")
	if st.BatteryLevel != "87" || st.PowerSource != "External" {
		t.Errorf("vitals not applied: %+v", st)
	}
	if st.Leq != "68.4" {
		t.Errorf("untouched scalar changed: Leq = %q", st.Leq)
	}
	if st.LastSeen == nil || !st.LastSeen.Equal(now.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want stamped", st.LastSeen)
	}
}

func TestSetStartTimeAndSyncFlag(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 7, 20, 0, 0, 0, time.UTC)
	if err := s.SetStartTime(ctx, "unit-1", start); err != nil {
		t.Fatalf("SetStartTime: %v", err)
	}
	if err := s.SetSyncAttempted(ctx, "unit-1", true); err != nil {
		t.Fatalf("SetSyncAttempted: %v", err)
	}

	st, err := s.GetStatus(ctx, "unit-1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.MeasurementStartTime == nil || !st.MeasurementStartTime.Equal(start) {
		t.Errorf("start time = %v, want %v", st.MeasurementStartTime, start)
	}
	if !st.StartTimeSyncAttempted {
		t.Error("sync flag not set")
	}
}
