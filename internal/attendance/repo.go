package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"rfidattendance/internal/scan"
)

// Repository persists attendance data in Postgres. It implements scan.Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, identity_id, role, schedule_id, day, status, check_in, check_out, origin, verified, reader_id, created_at`

// FindIdentityByTag resolves a tag across both registries. Tags are unique
// across students and instructors, so first match wins.
func (r *Repository) FindIdentityByTag(ctx context.Context, tag string) (*scan.Identity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, 'student' AS role FROM students WHERE rfid_tag = $1
		UNION ALL
		SELECT id, full_name, 'instructor' FROM instructors WHERE rfid_tag = $1
		LIMIT 1
	`, tag)
	var id scan.Identity
	if err := row.Scan(&id.ID, &id.Name, &id.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	id.Tag = tag
	return &id, nil
}

// FindActiveSchedules returns the identity's windows for the weekday of at.
// Students attend through their section; instructors teach by assignment.
func (r *Repository) FindActiveSchedules(ctx context.Context, id scan.Identity, at time.Time) ([]scan.ScheduleWindow, error) {
	var query string
	switch id.Role {
	case scan.RoleInstructor:
		query = `
			SELECT sc.id, sc.subject, sc.room, sc.day_of_week, sc.start_minute, sc.end_minute, sc.instructor_id
			FROM schedules sc
			WHERE sc.instructor_id = $1 AND sc.day_of_week = $2`
	default:
		query = `
			SELECT sc.id, sc.subject, sc.room, sc.day_of_week, sc.start_minute, sc.end_minute, sc.instructor_id
			FROM schedules sc
			JOIN students st ON st.section_id = sc.section_id
			WHERE st.id = $1 AND sc.day_of_week = $2`
	}

	rows, err := r.db.QueryContext(ctx, query, id.ID, int(at.Weekday()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []scan.ScheduleWindow
	for rows.Next() {
		var w scan.ScheduleWindow
		var day, startMin, endMin int
		if err := rows.Scan(&w.ID, &w.Subject, &w.Room, &day, &startMin, &endMin, &w.InstructorID); err != nil {
			return nil, err
		}
		w.Day = time.Weekday(day)
		w.Start = time.Duration(startMin) * time.Minute
		w.End = time.Duration(endMin) * time.Minute
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// FindDayRecord returns the record for a slot, open one first.
func (r *Repository) FindDayRecord(ctx context.Context, id scan.Identity, scheduleID *int64, day string, origin scan.Origin) (*scan.AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE identity_id = $1 AND role = $2 AND day = $3 AND origin = $4
		  AND schedule_id IS NOT DISTINCT FROM $5
		ORDER BY (check_out IS NOT NULL), check_in DESC
		LIMIT 1
	`, id.ID, id.Role, day, origin, scheduleID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// CreateAttendance inserts a record. The partial unique index on open scan
// records turns a double-open race into scan.ErrConflict.
func (r *Repository) CreateAttendance(ctx context.Context, rec scan.AttendanceRecord) (scan.AttendanceRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, identity_id, role, schedule_id, day, status, check_in, check_out, origin, verified, reader_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, rec.ID, rec.IdentityID, rec.Role, rec.ScheduleID, rec.Day, rec.Status, rec.CheckIn, rec.CheckOut, rec.Origin, rec.Verified, nullableString(rec.ReaderID))
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return scan.AttendanceRecord{}, scan.ErrConflict
		}
		return scan.AttendanceRecord{}, err
	}
	return rec, nil
}

// CloseAttendance fills check-out atomically; losing the race to another
// writer surfaces as scan.ErrConflict.
func (r *Repository) CloseAttendance(ctx context.Context, recordID string, out time.Time) (*scan.AttendanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET check_out = $2
		WHERE id = $1 AND check_out IS NULL
		RETURNING `+recordColumns+`
	`, recordID, out)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, scan.ErrConflict
		}
		return nil, err
	}
	return rec, nil
}

// ListFilter narrows ListAttendance results.
type ListFilter struct {
	IdentityID int64
	ReaderID   string
	Day        string
	Limit      int
	Offset     int
}

// ListAttendance returns records, newest first. This is the re-fetch path for
// dashboard clients that reconnect after missing broadcasts.
func (r *Repository) ListAttendance(ctx context.Context, f ListFilter) ([]scan.AttendanceRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if f.IdentityID != 0 {
		args = append(args, f.IdentityID)
		clauses = append(clauses, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	if f.ReaderID != "" {
		args = append(args, f.ReaderID)
		clauses = append(clauses, fmt.Sprintf("reader_id = $%d", len(args)))
	}
	if f.Day != "" {
		args = append(args, f.Day)
		clauses = append(clauses, fmt.Sprintf("day = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY check_in DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []scan.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// SweepStaleOpen closes scan-origin records left open on days before the
// cutoff, using the check-in time rather than inventing a departure. Returns
// the number of records closed.
func (r *Repository) SweepStaleOpen(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET check_out = check_in
		WHERE check_out IS NULL AND origin = $1 AND day < $2
	`, scan.OriginScan, scan.DayOf(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*scan.AttendanceRecord, error) {
	var rec scan.AttendanceRecord
	var scheduleID sql.NullInt64
	var day time.Time
	var checkOut sql.NullTime
	var readerID sql.NullString
	if err := row.Scan(&rec.ID, &rec.IdentityID, &rec.Role, &scheduleID, &day, &rec.Status,
		&rec.CheckIn, &checkOut, &rec.Origin, &rec.Verified, &readerID, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Day = day.Format("2006-01-02")
	if scheduleID.Valid {
		rec.ScheduleID = &scheduleID.Int64
	}
	if checkOut.Valid {
		t := checkOut.Time
		rec.CheckOut = &t
	}
	rec.ReaderID = readerID.String
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
