package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rfidattendance/internal/attendance"
	"rfidattendance/internal/auth"
	"rfidattendance/internal/config"
	"rfidattendance/internal/scan"
)

// Registry is the slice of the repository the gateway needs. Kept as an
// interface so handler tests run without Postgres.
type Registry interface {
	RegisterReader(ctx context.Context, readerID string, name *string) error
	TouchReader(ctx context.Context, readerID string) error
	SaveRefreshToken(ctx context.Context, readerID, token string, expiresAt time.Time) error
	ListAttendance(ctx context.Context, f attendance.ListFilter) ([]scan.AttendanceRecord, error)
	ListReaders(ctx context.Context) ([]attendance.Reader, error)
}

// Handler owns the HTTP surface of the ingestion pipeline.
type Handler struct {
	svc  *scan.Service
	repo Registry
	cfg  config.App
}

// New creates a handler.
func New(svc *scan.Service, repo Registry, cfg config.App) *Handler {
	return &Handler{svc: svc, repo: repo, cfg: cfg}
}

// scanRequest is the bridge payload. Routine scans carry a tag; discovery
// payloads carry a device identity under one of several historical keys.
type scanRequest struct {
	Tag        string `json:"tag"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	ID         string `json:"id"`
	ReaderID   string `json:"readerId"`
	Timestamp  string `json:"timestamp"`
}

func (r scanRequest) deviceIdentity() string {
	for _, v := range []string{r.DeviceID, r.ReaderID, r.ID} {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// IngestScan accepts a bridge payload. Discovery payloads (no tag, but a
// device identity) go to reader registration, never into the attendance
// pipeline, so device-identity noise is not misread as a person scan.
func (h *Handler) IngestScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		scansRejected.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}

	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		if device := req.deviceIdentity(); device != "" {
			h.registerDiscovered(c, device, req.DeviceName)
			return
		}
		scansRejected.WithLabelValues("empty_tag").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag required"})
		return
	}

	at := time.Time{}
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			scansRejected.WithLabelValues("bad_timestamp").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC 3339"})
			return
		}
		at = parsed
	}

	readerID := req.deviceIdentity()
	if claims, ok := readerClaims(c); ok && claims.Subject != "" {
		if readerID != "" && readerID != claims.Subject {
			c.JSON(http.StatusForbidden, gin.H{"error": "reader mismatch"})
			return
		}
		if readerID == "" {
			readerID = claims.Subject
		}
	}

	res, err := h.svc.Process(c.Request.Context(), scan.Event{Tag: tag, ReaderID: readerID, At: at})
	if err != nil {
		switch {
		case errors.Is(err, scan.ErrAmbiguousSchedule):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "ambiguous schedule match, flagged for review"})
		case errors.Is(err, scan.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "attendance slot contention, retry"})
		default:
			log.Printf("gateway: scan processing failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan processing failed"})
		}
		return
	}

	scansProcessed.WithLabelValues(string(res.Outcome)).Inc()
	if readerID != "" {
		if err := h.repo.TouchReader(c.Request.Context(), readerID); err != nil {
			log.Printf("gateway: touch reader %s: %v", readerID, err)
		}
	}
	c.JSON(http.StatusOK, res)
}

// registerDiscovered handles a discovery payload arriving on the scan route.
func (h *Handler) registerDiscovered(c *gin.Context, device, name string) {
	var namePtr *string
	if strings.TrimSpace(name) != "" {
		n := strings.TrimSpace(name)
		namePtr = &n
	}
	if err := h.repo.RegisterReader(c.Request.Context(), device, namePtr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reader registration failed"})
		return
	}
	scansRejected.WithLabelValues("discovery").Inc()
	c.JSON(http.StatusCreated, gin.H{"registered": device})
}

// RegisterReader is the explicit registration endpoint: upserts the reader and
// issues its token pair.
func (h *Handler) RegisterReader(c *gin.Context) {
	var req struct {
		ReaderID string  `json:"reader_id" binding:"required"`
		Name     *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.repo.RegisterReader(c.Request.Context(), req.ReaderID, req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := auth.Issue(req.ReaderID, "reader", h.cfg.JWTIssuer, h.cfg.JWTSigningKey, h.cfg.AccessTTL, h.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.repo.SaveRefreshToken(c.Request.Context(), req.ReaderID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		log.Printf("gateway: save refresh token: %v", err)
	}

	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// ManualEntry records an administrative attendance entry with explicit status.
func (h *Handler) ManualEntry(c *gin.Context) {
	var req struct {
		IdentityID int64  `json:"identity_id" binding:"required"`
		Role       string `json:"role" binding:"required"`
		ScheduleID *int64 `json:"schedule_id"`
		Status     string `json:"status" binding:"required"`
		Timestamp  string `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := scan.Role(req.Role)
	if role != scan.RoleStudent && role != scan.RoleInstructor {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be student or instructor"})
		return
	}
	status := scan.Status(req.Status)
	switch status {
	case scan.StatusPresent, scan.StatusLate, scan.StatusAbsent, scan.StatusExcused:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	at := time.Time{}
	if req.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, req.Timestamp)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp must be RFC 3339"})
			return
		}
		at = parsed
	}

	rec, err := h.svc.ManualEntry(c.Request.Context(), scan.Identity{ID: req.IdentityID, Role: role}, req.ScheduleID, status, at)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "manual entry failed"})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListAttendance returns attendance records with basic filters. Reconnecting
// dashboard clients use this instead of event replay.
func (h *Handler) ListAttendance(c *gin.Context) {
	f := attendance.ListFilter{
		ReaderID: c.Query("reader_id"),
		Day:      c.Query("day"),
	}
	if v := c.Query("identity_id"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			f.IdentityID = parsed
		}
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}

	records, err := h.repo.ListAttendance(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []scan.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// ListReaders returns the reader registry.
func (h *Handler) ListReaders(c *gin.Context) {
	readers, err := h.repo.ListReaders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if readers == nil {
		readers = []attendance.Reader{}
	}
	c.JSON(http.StatusOK, gin.H{"readers": readers})
}

func readerClaims(c *gin.Context) (auth.Claims, bool) {
	claimsAny, ok := c.Get("claims")
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := claimsAny.(auth.Claims)
	return claims, ok
}
