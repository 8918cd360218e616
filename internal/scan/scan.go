package scan

import "time"

// Role discriminates the two kinds of people a tag can belong to.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
)

// Identity is the resolved owner of an RFID tag. Read-only to this package;
// the surrounding CRUD application owns the rows.
type Identity struct {
	ID   int64  `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// ScheduleWindow is one recurring meeting of a subject/section: a weekday plus
// a [Start, End] time-of-day interval, both offsets from midnight.
type ScheduleWindow struct {
	ID           int64         `json:"id"`
	Subject      string        `json:"subject"`
	Room         string        `json:"room"`
	Day          time.Weekday  `json:"day"`
	Start        time.Duration `json:"start"`
	End          time.Duration `json:"end"`
	InstructorID int64         `json:"instructor_id"`
}

// Contains reports whether the time-of-day of at falls inside the window,
// widened by the given grace periods.
func (w ScheduleWindow) Contains(at time.Time, earlyGrace, lateGrace time.Duration) bool {
	if at.Weekday() != w.Day {
		return false
	}
	tod := timeOfDay(at)
	return tod >= w.Start-earlyGrace && tod <= w.End+lateGrace
}

func timeOfDay(at time.Time) time.Duration {
	h, m, s := at.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}

// Status is the attendance classification stored on a record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusExcused Status = "EXCUSED"
)

// Origin records how an attendance row came to exist. Only records sharing an
// origin participate in open/close matching, so a manual override is never
// closed (or shadowed) by a later physical scan.
type Origin string

const (
	OriginScan   Origin = "RFID_SCAN"
	OriginManual Origin = "MANUAL_ENTRY"
)

// AttendanceRecord is the one entity this package mutates. At most one open
// (CheckOut == nil) scan-origin record may exist per identity/schedule/day.
type AttendanceRecord struct {
	ID         string     `json:"id"`
	IdentityID int64      `json:"identity_id"`
	Role       Role       `json:"role"`
	ScheduleID *int64     `json:"schedule_id,omitempty"`
	Day        string     `json:"day"`
	Status     Status     `json:"status"`
	CheckIn    time.Time  `json:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty"`
	Origin     Origin     `json:"origin"`
	Verified   bool       `json:"verified"`
	ReaderID   string     `json:"reader_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Open reports whether the record is still awaiting a check-out.
func (r AttendanceRecord) Open() bool { return r.CheckOut == nil }

// DayOf formats the calendar day key used to scope open-record matching.
func DayOf(at time.Time) string { return at.Format("2006-01-02") }

// Event is a single raw tag read from a physical reader. Ephemeral; only its
// effects on attendance records persist.
type Event struct {
	Tag      string
	ReaderID string
	At       time.Time
}

// Outcome classifies what processing a scan did.
type Outcome string

const (
	OutcomeCheckIn          Outcome = "CHECK_IN"
	OutcomeCheckOut         Outcome = "CHECK_OUT"
	OutcomeDuplicateIgnored Outcome = "DUPLICATE_IGNORED"
	OutcomeUnknownTag       Outcome = "UNKNOWN_TAG"
	OutcomeNoActiveSchedule Outcome = "NO_ACTIVE_SCHEDULE"
)

// Result is what a processed scan resolves to. It drives both the HTTP
// response and the broadcast to dashboard clients.
type Result struct {
	Outcome  Outcome           `json:"outcome"`
	Identity *Identity         `json:"identity,omitempty"`
	Window   *ScheduleWindow   `json:"window,omitempty"`
	Record   *AttendanceRecord `json:"record,omitempty"`
	At       time.Time         `json:"at"`
}
