package scan

import "errors"

var (
	// ErrUnknownTag means the tag is not registered to any student or instructor.
	ErrUnknownTag = errors.New("tag not registered to any identity")

	// ErrNoActiveSchedule means no schedule window matched the scan time, even
	// with grace periods applied.
	ErrNoActiveSchedule = errors.New("no active schedule for scan time")

	// ErrAmbiguousSchedule means two or more windows matched and could not be
	// tie-broken by start time. The scan fails rather than guessing.
	ErrAmbiguousSchedule = errors.New("ambiguous schedule match")

	// ErrConflict means a concurrent writer touched the same attendance slot.
	// The service retries once before surfacing it.
	ErrConflict = errors.New("attendance slot modified concurrently")
)
