package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kvasirlabs/beacon/internal/domain/alerts"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
	"github.com/kvasirlabs/beacon/pkg/auth"
)

// LocationMirror is the optional secondary store for last known fixes.
type LocationMirror interface {
	Set(ctx context.Context, userID uuid.UUID, p geo.Point) error
}

// Handler serves the device-facing HTTP API.
type Handler struct {
	users    geo.UserRepository
	index    *geo.Index
	registry *sos.Registry
	alerts   *alerts.Service
	signer   *auth.Signer
	mirror   LocationMirror
	clock    sos.Clock
	logger   *slog.Logger
}

// NewHandler creates a new API handler. mirror may be nil.
func NewHandler(
	users geo.UserRepository,
	index *geo.Index,
	registry *sos.Registry,
	alertsSvc *alerts.Service,
	signer *auth.Signer,
	mirror LocationMirror,
	clock sos.Clock,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		users:    users,
		index:    index,
		registry: registry,
		alerts:   alertsSvc,
		signer:   signer,
		mirror:   mirror,
		clock:    clock,
		logger:   logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type registerRequest struct {
	Phone            string `json:"phone" binding:"required"`
	EmergencyContact string `json:"emergency_contact"`
	PIN              string `json:"pin" binding:"required,min=4"`
}

type registerResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Register creates a device identity and returns its token.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pinHash, err := auth.HashPIN(req.PIN)
	if err != nil {
		h.logger.Error("failed to hash pin", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	rec := geo.UserRecord{
		ID:               uuid.New(),
		Phone:            req.Phone,
		EmergencyContact: req.EmergencyContact,
		RegisteredAt:     h.clock.Now(),
		IsActive:         true,
	}
	if err := h.users.CreateUser(c.Request.Context(), &rec, pinHash); err != nil {
		h.logger.Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	h.index.Register(rec)

	token, expiry, err := h.signer.GenerateToken(rec.ID)
	if err != nil {
		h.logger.Error("failed to issue token", "user_id", rec.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	h.logger.Info("device registered", "user_id", rec.ID)
	c.JSON(http.StatusCreated, registerResponse{
		UserID:    rec.ID.String(),
		Token:     token,
		ExpiresAt: expiry,
	})
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
	PIN    string `json:"pin" binding:"required"`
}

// ReissueToken exchanges a device id and PIN for a fresh token, for devices
// whose stored token has expired. Unknown users and wrong PINs get the same
// answer.
func (h *Handler) ReissueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	hash, err := h.users.GetPinHash(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	ok, err := auth.VerifyPIN(hash, req.PIN)
	if err != nil || !ok {
		h.logger.Warn("token reissue rejected", "user_id", userID)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiry, err := h.signer.GenerateToken(userID)
	if err != nil {
		h.logger.Error("failed to issue token", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	c.JSON(http.StatusOK, registerResponse{
		UserID:    userID.String(),
		Token:     token,
		ExpiresAt: expiry,
	})
}

type locationRequest struct {
	Lat        float64   `json:"lat" binding:"min=-90,max=90"`
	Lng        float64   `json:"lng" binding:"min=-180,max=180"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at" binding:"required"`
}

// UpdateLocation records a new fix for the calling device. Out-of-order
// fixes are acknowledged but ignored.
func (h *Handler) UpdateLocation(c *gin.Context) {
	userID, ok := auth.DeviceID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := geo.Point{
		Lat:        req.Lat,
		Lng:        req.Lng,
		AccuracyM:  req.AccuracyM,
		CapturedAt: req.CapturedAt,
	}

	switch err := h.index.Upsert(userID, p); {
	case errors.Is(err, geo.ErrStaleUpdate):
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	case errors.Is(err, geo.ErrUnknownUser), errors.Is(err, geo.ErrInactiveUser):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "location update failed"})
		return
	}

	ctx := c.Request.Context()
	if err := h.users.UpdateLocation(ctx, userID, p); err != nil {
		// The in-memory index already accepted the fix; durability catches
		// up on the next update.
		h.logger.Error("failed to persist location", "user_id", userID, "error", err)
	}
	if h.mirror != nil {
		if err := h.mirror.Set(ctx, userID, p); err != nil {
			h.logger.Error("failed to mirror location", "user_id", userID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"ignored": false})
}

type sosResponse struct {
	State          string `json:"state"`
	RemainingTicks int    `json:"remaining_ticks"`
	ActiveEventID  string `json:"active_event_id,omitempty"`
}

func toSOSResponse(snap sos.Snapshot) sosResponse {
	resp := sosResponse{
		State:          string(snap.State),
		RemainingTicks: snap.RemainingTicks,
	}
	if snap.ActiveEventID != uuid.Nil {
		resp.ActiveEventID = snap.ActiveEventID.String()
	}
	return resp
}

// TriggerSOS arms the countdown, or cancels it when armed (toggle).
func (h *Handler) TriggerSOS(c *gin.Context) {
	userID, ok := auth.DeviceID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	machine := h.registry.Machine(userID)
	if _, err := machine.Trigger(c.Request.Context()); err != nil {
		if errors.Is(err, sos.ErrDuplicateSOS) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
				"state": toSOSResponse(machine.Snapshot()),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger failed"})
		return
	}

	c.JSON(http.StatusOK, toSOSResponse(machine.Snapshot()))
}

// CancelSOS aborts an in-progress countdown.
func (h *Handler) CancelSOS(c *gin.Context) {
	userID, ok := auth.DeviceID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	machine := h.registry.Machine(userID)
	if err := machine.Cancel(); err != nil {
		if errors.Is(err, sos.ErrNotArmed) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}

	c.JSON(http.StatusOK, toSOSResponse(machine.Snapshot()))
}

// SOSStatus returns the device's current countdown state for UI polling.
func (h *Handler) SOSStatus(c *gin.Context) {
	userID, ok := auth.DeviceID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, toSOSResponse(h.registry.Machine(userID).Snapshot()))
}

type alertRequest struct {
	ID       string    `json:"id" binding:"required"`
	Type     string    `json:"type"`
	Severity string    `json:"severity" binding:"required"`
	Lat      *float64  `json:"lat"`
	Lng      *float64  `json:"lng"`
	RadiusKm float64   `json:"radius_km"`
	Region   string    `json:"region"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at"`
}

// IngestAlert is the feed webhook.
func (h *Handler) IngestAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert := alerts.Alert{
		ID:       req.ID,
		Type:     req.Type,
		Severity: alerts.Severity(req.Severity),
		RadiusKm: req.RadiusKm,
		Region:   req.Region,
		Message:  req.Message,
		IssuedAt: req.IssuedAt,
	}
	if alert.IssuedAt.IsZero() {
		alert.IssuedAt = h.clock.Now()
	}
	if req.Lat != nil && req.Lng != nil {
		alert.Location = &geo.Point{Lat: *req.Lat, Lng: *req.Lng, CapturedAt: alert.IssuedAt}
	}

	if err := h.alerts.Ingest(c.Request.Context(), alert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

type alertResponse struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Severity string    `json:"severity"`
	Lat      *float64  `json:"lat,omitempty"`
	Lng      *float64  `json:"lng,omitempty"`
	RadiusKm float64   `json:"radius_km,omitempty"`
	Region   string    `json:"region,omitempty"`
	Message  string    `json:"message"`
	IssuedAt time.Time `json:"issued_at"`
}

// ListAlerts returns the alerts currently relevant to the caller, newest
// first.
func (h *Handler) ListAlerts(c *gin.Context) {
	userID, ok := auth.DeviceID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	relevant := h.alerts.Relevant(userID)
	out := make([]alertResponse, 0, len(relevant))
	for _, a := range relevant {
		resp := alertResponse{
			ID:       a.ID,
			Type:     a.Type,
			Severity: string(a.Severity),
			RadiusKm: a.RadiusKm,
			Region:   a.Region,
			Message:  a.Message,
			IssuedAt: a.IssuedAt,
		}
		if a.Location != nil {
			resp.Lat, resp.Lng = &a.Location.Lat, &a.Location.Lng
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}
