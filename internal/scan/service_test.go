package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rfidattendance/internal/dispatch"
)

// fakeStore is an in-memory Store. It enforces the same one-open-record
// invariant the Postgres partial unique index does.
type fakeStore struct {
	mu         sync.Mutex
	identities map[string]Identity
	schedules  map[int64][]ScheduleWindow
	records    []*AttendanceRecord
	calls      int
	conflicts  int // times CreateAttendance fails with ErrConflict before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		identities: make(map[string]Identity),
		schedules:  make(map[int64][]ScheduleWindow),
	}
}

func (f *fakeStore) FindIdentityByTag(_ context.Context, tag string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if id, ok := f.identities[tag]; ok {
		return &id, nil
	}
	return nil, nil
}

func (f *fakeStore) FindActiveSchedules(_ context.Context, id Identity, at time.Time) ([]ScheduleWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var out []ScheduleWindow
	for _, w := range f.schedules[id.ID] {
		if w.Day == at.Weekday() {
			out = append(out, w)
		}
	}
	return out, nil
}

func sameSchedule(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeStore) FindDayRecord(_ context.Context, id Identity, scheduleID *int64, day string, origin Origin) (*AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var open, closed *AttendanceRecord
	for _, r := range f.records {
		if r.IdentityID == id.ID && r.Role == id.Role && r.Day == day && r.Origin == origin && sameSchedule(r.ScheduleID, scheduleID) {
			if r.Open() {
				open = r
			} else {
				closed = r
			}
		}
	}
	if open != nil {
		cp := *open
		return &cp, nil
	}
	if closed != nil {
		cp := *closed
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) CreateAttendance(_ context.Context, rec AttendanceRecord) (AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.conflicts > 0 {
		f.conflicts--
		return AttendanceRecord{}, ErrConflict
	}
	if rec.Origin == OriginScan {
		for _, r := range f.records {
			if r.IdentityID == rec.IdentityID && r.Role == rec.Role && r.Day == rec.Day &&
				r.Origin == OriginScan && sameSchedule(r.ScheduleID, rec.ScheduleID) && r.Open() {
				return AttendanceRecord{}, ErrConflict
			}
		}
	}
	rec.ID = fmt.Sprintf("rec-%d", len(f.records)+1)
	rec.CreatedAt = rec.CheckIn
	stored := rec
	f.records = append(f.records, &stored)
	return rec, nil
}

func (f *fakeStore) CloseAttendance(_ context.Context, recordID string, out time.Time) (*AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for _, r := range f.records {
		if r.ID == recordID {
			if !r.Open() {
				return nil, ErrConflict
			}
			t := out
			r.CheckOut = &t
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrConflict
}

func (f *fakeStore) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.Open() {
			n++
		}
	}
	return n
}

// monday returns a fixed Monday (2024-01-08) at the given clock time.
func monday(hour, min int) time.Time {
	return time.Date(2024, 1, 8, hour, min, 0, 0, time.UTC)
}

func testWindow(id int64, startHour, startMin, endHour, endMin int) ScheduleWindow {
	return ScheduleWindow{
		ID:      id,
		Subject: "Databases",
		Room:    "R-101",
		Day:     time.Monday,
		Start:   time.Duration(startHour)*time.Hour + time.Duration(startMin)*time.Minute,
		End:     time.Duration(endHour)*time.Hour + time.Duration(endMin)*time.Minute,
	}
}

func newTestService(store Store) *Service {
	return NewService(store, nil, Options{
		DebounceWindow: 5 * time.Second,
		LateThreshold:  10 * time.Minute,
		EarlyGrace:     15 * time.Minute,
		LateGrace:      30 * time.Minute,
	})
}

func TestProcess_CheckInThenCheckOut(t *testing.T) {
	store := newFakeStore()
	store.identities["TAG-0001"] = Identity{ID: 42, Role: RoleStudent, Name: "Ada", Tag: "TAG-0001"}
	store.schedules[42] = []ScheduleWindow{testWindow(7, 8, 0, 9, 0)}
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), Event{Tag: "TAG-0001", At: monday(8, 2)})
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if res.Outcome != OutcomeCheckIn {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeCheckIn)
	}
	if res.Record.Status != StatusPresent {
		t.Errorf("status = %s, want PRESENT", res.Record.Status)
	}
	if res.Record.CheckOut != nil {
		t.Errorf("check-out should be nil on check-in")
	}
	if res.Record.ScheduleID == nil || *res.Record.ScheduleID != 7 {
		t.Errorf("record not attributed to schedule 7: %+v", res.Record.ScheduleID)
	}

	res2, err := svc.Process(context.Background(), Event{Tag: "TAG-0001", At: monday(9, 5)})
	if err != nil {
		t.Fatalf("check-out: %v", err)
	}
	if res2.Outcome != OutcomeCheckOut {
		t.Fatalf("outcome = %s, want %s", res2.Outcome, OutcomeCheckOut)
	}
	if res2.Record.ID != res.Record.ID {
		t.Errorf("check-out updated a different record: %s vs %s", res2.Record.ID, res.Record.ID)
	}
	if res2.Record.CheckOut == nil || !res2.Record.CheckOut.Equal(monday(9, 5)) {
		t.Errorf("check-out time not recorded: %+v", res2.Record.CheckOut)
	}
	if res2.Record.Status != StatusPresent {
		t.Errorf("check-out must not change status, got %s", res2.Record.Status)
	}
	if store.openCount() != 0 {
		t.Errorf("open records = %d, want 0", store.openCount())
	}
}

func TestProcess_DebounceSuppressesWithoutStoreTraffic(t *testing.T) {
	store := newFakeStore()
	store.identities["TAG-0001"] = Identity{ID: 42, Role: RoleStudent, Tag: "TAG-0001"}
	store.schedules[42] = []ScheduleWindow{testWindow(7, 8, 0, 9, 0)}
	svc := newTestService(store)

	if _, err := svc.Process(context.Background(), Event{Tag: "TAG-0001", At: monday(8, 2)}); err != nil {
		t.Fatal(err)
	}
	before := store.calls

	res, err := svc.Process(context.Background(), Event{Tag: "TAG-0001", At: monday(8, 2).Add(2 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeDuplicateIgnored)
	}
	if store.calls != before {
		t.Errorf("debounced scan reached the store: %d calls, want %d", store.calls, before)
	}
}

func TestProcess_UnknownTagCreatesNothing(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), Event{Tag: "NOT-REGISTERED", At: monday(8, 2)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnknownTag {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeUnknownTag)
	}
	if len(store.records) != 0 {
		t.Errorf("unknown tag created %d record(s)", len(store.records))
	}
}

func TestProcess_LateThreshold(t *testing.T) {
	cases := []struct {
		name string
		min  int
		want Status
	}{
		{"on time", 5, StatusPresent},
		{"at threshold", 10, StatusPresent},
		{"late", 15, StatusLate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
			store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 30)}
			svc := newTestService(store)

			res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, tc.min)})
			if err != nil {
				t.Fatal(err)
			}
			if res.Record.Status != tc.want {
				t.Errorf("status at 08:%02d = %s, want %s", tc.min, res.Record.Status, tc.want)
			}
		})
	}
}

func TestProcess_NoScheduleDegradesToSchedulelessRecord(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	svc := newTestService(store)

	// Well past the window plus late grace.
	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(13, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoActiveSchedule {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeNoActiveSchedule)
	}
	if res.Record == nil {
		t.Fatal("scan was dropped instead of degrading to a record")
	}
	if res.Record.ScheduleID != nil {
		t.Errorf("schedule-less record has schedule %d", *res.Record.ScheduleID)
	}
}

func TestProcess_EarlyGraceAttachesUpcomingWindow(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(7, 50)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCheckIn {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeCheckIn)
	}
	if res.Record.Status != StatusPresent {
		t.Errorf("early scan status = %s, want PRESENT", res.Record.Status)
	}
}

func TestProcess_OverlappingWindowsPreferEarliestStart(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{
		testWindow(2, 8, 30, 10, 0),
		testWindow(1, 8, 0, 9, 0),
	}
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 45)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Window == nil || res.Window.ID != 1 {
		t.Fatalf("matched window %+v, want earliest-start window 1", res.Window)
	}
}

func TestProcess_AmbiguousScheduleFails(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{
		testWindow(1, 8, 0, 9, 0),
		testWindow(2, 8, 0, 9, 30),
	}
	svc := newTestService(store)

	_, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 15)})
	if !errors.Is(err, ErrAmbiguousSchedule) {
		t.Fatalf("err = %v, want ErrAmbiguousSchedule", err)
	}
	if len(store.records) != 0 {
		t.Errorf("ambiguous scan wrote %d record(s)", len(store.records))
	}
}

func TestProcess_ClosedSlotRescanIsIgnored(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	svc := newTestService(store)

	for _, at := range []time.Time{monday(8, 2), monday(9, 0)} {
		if _, err := svc.Process(context.Background(), Event{Tag: "T", At: at}); err != nil {
			t.Fatal(err)
		}
	}

	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(9, 10)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeDuplicateIgnored)
	}
	if len(store.records) != 1 {
		t.Errorf("rescan duplicated the record: %d records", len(store.records))
	}
	if store.openCount() != 0 {
		t.Errorf("rescan reopened the record")
	}
}

func TestProcess_OutOfOrderCheckOutRefused(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	svc := newTestService(store)

	if _, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 30)}); err != nil {
		t.Fatal(err)
	}

	// Delayed delivery of an earlier read.
	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 10)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDuplicateIgnored {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeDuplicateIgnored)
	}
	if store.openCount() != 1 {
		t.Errorf("out-of-order scan closed the record")
	}
}

func TestProcess_ConflictRetriesOnce(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	store.conflicts = 1
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 2)})
	if err != nil {
		t.Fatalf("single conflict should be retried away: %v", err)
	}
	if res.Outcome != OutcomeCheckIn {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeCheckIn)
	}
}

func TestProcess_DoubleConflictSurfaces(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	store.conflicts = 2
	svc := newTestService(store)

	_, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 2)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestManualEntry_NotTouchedByLaterScan(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}
	svc := newTestService(store)

	scheduleID := int64(1)
	manual, err := svc.ManualEntry(context.Background(), Identity{ID: 1, Role: RoleStudent}, &scheduleID, StatusExcused, monday(8, 0))
	if err != nil {
		t.Fatal(err)
	}
	if manual.Origin != OriginManual || manual.Status != StatusExcused {
		t.Fatalf("manual record = %+v", manual)
	}

	// A later physical scan opens its own record instead of closing the manual one.
	res, err := svc.Process(context.Background(), Event{Tag: "T", At: monday(8, 30)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeCheckIn {
		t.Fatalf("outcome = %s, want %s", res.Outcome, OutcomeCheckIn)
	}
	if res.Record.ID == manual.ID {
		t.Errorf("scan mutated the manual record")
	}
	for _, r := range store.records {
		if r.ID == manual.ID && r.Status != StatusExcused {
			t.Errorf("manual record status changed to %s", r.Status)
		}
	}
}

func TestProcess_BroadcastsOutcome(t *testing.T) {
	store := newFakeStore()
	store.identities["T"] = Identity{ID: 1, Role: RoleStudent, Tag: "T"}
	store.schedules[1] = []ScheduleWindow{testWindow(1, 8, 0, 9, 0)}

	hub := dispatch.NewHub()
	sub := hub.Subscribe("reader-updates", 4)
	perReader := hub.Subscribe("reader-updates:gate-1", 4)

	svc := NewService(store, hub, Options{DebounceWindow: 5 * time.Second})
	if _, err := svc.Process(context.Background(), Event{Tag: "T", ReaderID: "gate-1", At: monday(8, 2)}); err != nil {
		t.Fatal(err)
	}

	for name, ch := range map[string]<-chan dispatch.Message{"base topic": sub, "reader topic": perReader} {
		select {
		case msg := <-ch:
			if msg.Type != "scan-processed" {
				t.Errorf("%s: type = %s, want scan-processed", name, msg.Type)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("%s: no broadcast received", name)
		}
	}
}
