package attendance

import (
	"context"
	"errors"
	"time"
)

// Reader is a registered RFID reader device.
type Reader struct {
	ReaderID  string     `json:"reader_id"`
	Name      *string    `json:"name,omitempty"`
	Location  *string    `json:"location,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RegisterReader ensures a reader row exists, refreshing its name and
// last-seen on rediscovery.
func (r *Repository) RegisterReader(ctx context.Context, readerID string, name *string) error {
	if readerID == "" {
		return errors.New("reader id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO readers (reader_id, name, last_seen)
		VALUES ($1, $2, NOW())
		ON CONFLICT (reader_id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, readers.name),
			last_seen = NOW()
	`, readerID, name)
	return err
}

// TouchReader bumps last-seen for a reader that sent a scan.
func (r *Repository) TouchReader(ctx context.Context, readerID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE readers SET last_seen = NOW() WHERE reader_id = $1`, readerID)
	return err
}

// ListReaders returns all registered readers.
func (r *Repository) ListReaders(ctx context.Context) ([]Reader, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT reader_id, name, location, last_seen, created_at
		FROM readers
		ORDER BY reader_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readers []Reader
	for rows.Next() {
		var rd Reader
		if err := rows.Scan(&rd.ReaderID, &rd.Name, &rd.Location, &rd.LastSeen, &rd.CreatedAt); err != nil {
			return nil, err
		}
		readers = append(readers, rd)
	}
	return readers, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, readerID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (reader_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, readerID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
