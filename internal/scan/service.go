package scan

import (
	"context"
	"errors"
	"log"
	"time"

	"rfidattendance/internal/dispatch"
)

// Store is the persistence port the pipeline runs against. The Postgres
// implementation lives in internal/attendance; tests use an in-memory fake.
type Store interface {
	// FindIdentityByTag resolves a raw tag. Returns (nil, nil) when the tag is
	// not registered; tags are mutually exclusive across students and instructors.
	FindIdentityByTag(ctx context.Context, tag string) (*Identity, error)
	// FindActiveSchedules returns the identity's schedule windows for the
	// weekday of at. Time-of-day filtering happens in the matcher.
	FindActiveSchedules(ctx context.Context, id Identity, at time.Time) ([]ScheduleWindow, error)
	// FindDayRecord returns the attendance record for an identity/schedule/day
	// slot with the given origin, preferring an open one, or (nil, nil).
	FindDayRecord(ctx context.Context, id Identity, scheduleID *int64, day string, origin Origin) (*AttendanceRecord, error)
	// CreateAttendance inserts a record. Returns ErrConflict when another
	// writer already opened the same slot.
	CreateAttendance(ctx context.Context, rec AttendanceRecord) (AttendanceRecord, error)
	// CloseAttendance fills check-out on a still-open record. Returns
	// ErrConflict when the record was closed concurrently.
	CloseAttendance(ctx context.Context, recordID string, out time.Time) (*AttendanceRecord, error)
}

// Options are the pipeline tuning knobs. Zero values get defaults.
type Options struct {
	DebounceWindow time.Duration
	LateThreshold  time.Duration
	EarlyGrace     time.Duration
	LateGrace      time.Duration
	Topic          string
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 5 * time.Second
	}
	if o.LateThreshold <= 0 {
		o.LateThreshold = 10 * time.Minute
	}
	if o.EarlyGrace <= 0 {
		o.EarlyGrace = 15 * time.Minute
	}
	if o.LateGrace <= 0 {
		o.LateGrace = 30 * time.Minute
	}
	if o.Topic == "" {
		o.Topic = "reader-updates"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service runs raw tag reads through resolution, schedule attribution and the
// open/close attendance state machine, then broadcasts the outcome.
type Service struct {
	store    Store
	pub      dispatch.Publisher
	debounce *Debouncer
	opts     Options
}

// NewService wires the pipeline. pub may be nil, in which case outcomes are
// not broadcast.
func NewService(store Store, pub dispatch.Publisher, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:    store,
		pub:      pub,
		debounce: NewDebouncer(opts.DebounceWindow),
		opts:     opts,
	}
}

// Process runs one scan through the pipeline. Every scan resolves to a Result
// variant; the returned error is reserved for ambiguity, persistence failure
// after retry, and store errors.
func (s *Service) Process(ctx context.Context, ev Event) (Result, error) {
	if ev.At.IsZero() {
		ev.At = s.opts.Now()
	}

	if s.debounce.Bounce(ev.Tag, ev.At) {
		return Result{Outcome: OutcomeDuplicateIgnored, At: ev.At}, nil
	}

	identity, err := s.store.FindIdentityByTag(ctx, ev.Tag)
	if err != nil {
		return Result{}, err
	}
	if identity == nil {
		log.Printf("scan: unknown tag %q from reader %q", ev.Tag, ev.ReaderID)
		return Result{Outcome: OutcomeUnknownTag, At: ev.At}, nil
	}

	windows, err := s.store.FindActiveSchedules(ctx, *identity, ev.At)
	if err != nil {
		return Result{}, err
	}
	win, err := matchWindow(windows, ev.At, s.opts.EarlyGrace, s.opts.LateGrace)
	if err != nil && !errors.Is(err, ErrNoActiveSchedule) {
		return Result{}, err
	}
	// No window: the scan still counts, as a schedule-less entry.

	res, err := s.apply(ctx, *identity, win, ev)
	if err != nil && errors.Is(err, ErrConflict) {
		// Lost a race on the slot; re-read once and re-apply.
		res, err = s.apply(ctx, *identity, win, ev)
	}
	if err != nil {
		return Result{}, err
	}

	res.Identity = identity
	res.Window = win
	s.broadcast("scan-processed", ev.ReaderID, res)
	return res, nil
}

// apply runs the NONE -> OPEN -> CLOSED transition for the scan's slot.
func (s *Service) apply(ctx context.Context, identity Identity, win *ScheduleWindow, ev Event) (Result, error) {
	var scheduleID *int64
	if win != nil {
		scheduleID = &win.ID
	}
	day := DayOf(ev.At)

	existing, err := s.store.FindDayRecord(ctx, identity, scheduleID, day, OriginScan)
	if err != nil {
		return Result{}, err
	}

	switch {
	case existing == nil:
		rec, err := s.store.CreateAttendance(ctx, AttendanceRecord{
			IdentityID: identity.ID,
			Role:       identity.Role,
			ScheduleID: scheduleID,
			Day:        day,
			Status:     statusFor(win, ev.At, s.opts.LateThreshold),
			CheckIn:    ev.At,
			Origin:     OriginScan,
			ReaderID:   ev.ReaderID,
		})
		if err != nil {
			return Result{}, err
		}
		outcome := OutcomeCheckIn
		if win == nil {
			outcome = OutcomeNoActiveSchedule
		}
		return Result{Outcome: outcome, Record: &rec, At: ev.At}, nil

	case existing.Open():
		if ev.At.Before(existing.CheckIn) {
			// Out-of-order delivery; closing would record a negative session.
			return Result{Outcome: OutcomeDuplicateIgnored, Record: existing, At: ev.At}, nil
		}
		closed, err := s.store.CloseAttendance(ctx, existing.ID, ev.At)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeCheckOut, Record: closed, At: ev.At}, nil

	default:
		// Slot already closed today; a third read is reader noise.
		return Result{Outcome: OutcomeDuplicateIgnored, Record: existing, At: ev.At}, nil
	}
}

// ManualEntry records an administrative attendance entry with an explicit
// status. It bypasses debounce and the state machine entirely, and its record
// never participates in scan open/close matching.
func (s *Service) ManualEntry(ctx context.Context, identity Identity, scheduleID *int64, status Status, at time.Time) (AttendanceRecord, error) {
	if at.IsZero() {
		at = s.opts.Now()
	}
	rec, err := s.store.CreateAttendance(ctx, AttendanceRecord{
		IdentityID: identity.ID,
		Role:       identity.Role,
		ScheduleID: scheduleID,
		Day:        DayOf(at),
		Status:     status,
		CheckIn:    at,
		Origin:     OriginManual,
		Verified:   true,
	})
	if err != nil {
		return AttendanceRecord{}, err
	}
	s.broadcast("attendance-updated", "", Result{Outcome: OutcomeCheckIn, Identity: &identity, Record: &rec, At: at})
	return rec, nil
}

// broadcast publishes fire-and-forget; a slow or down broker must never fail
// or delay the ingestion response.
func (s *Service) broadcast(eventType, readerID string, res Result) {
	if s.pub == nil {
		return
	}
	msg := dispatch.Message{Type: eventType, Data: res, Timestamp: s.opts.Now()}
	topics := []string{s.opts.Topic}
	if readerID != "" {
		topics = append(topics, s.opts.Topic+":"+readerID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, topic := range topics {
			if err := s.pub.Publish(ctx, topic, msg); err != nil {
				log.Printf("scan: broadcast to %s failed: %v", topic, err)
			}
		}
	}()
}
