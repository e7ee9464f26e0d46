package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"call-bridge/internal/audit"
	"call-bridge/internal/auth"
	"call-bridge/internal/bridge"
	"call-bridge/internal/calls"
	"call-bridge/internal/reporting"
	"call-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusSource reports the endpoint's overall state. *bridge.Bridge implements it.
type StatusSource interface {
	Status() bridge.Status
}

// CallService is the part of *calls.Machine the API reads and acts on.
type CallService interface {
	Active() []calls.Summary
	Get(ctx context.Context, callID string) (calls.Summary, error)
	Hangup(ctx context.Context, callID, actor string) error
	History(ctx context.Context, limit int) ([]calls.CallRecord, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Status  StatusSource
	Calls   CallService
	Audit   *audit.Service
	Reports *reporting.Service

	HangupTimeout time.Duration
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz answers 503 until the endpoint is registered and the supervisor is not fatal.
func (h Handlers) Readyz(c *gin.Context) {
	if h.Status == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	st := h.Status.Status()
	if !st.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "signaling": st.Signaling, "health": st.Health.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h Handlers) GetStatus(c *gin.Context) {
	if h.Status == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Status.Status())
}

// --- Calls ---

func (h Handlers) ListCalls(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	recent, err := h.Calls.History(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("call history lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if recent == nil {
		recent = []calls.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"active": h.Calls.Active(), "recent": recent})
}

func (h Handlers) GetCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	sum, err := h.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		if errors.Is(err, calls.ErrCallNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		logger.FromGin(c).Error("call lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call lookup failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h Handlers) GetCallEvents(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit not configured"})
		return
	}
	evs, err := h.Audit.EventsForCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		logger.FromGin(c).Error("audit lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "events lookup failed"})
		return
	}
	if len(evs) == 0 {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": c.Param("call_id"), "events": evs})
}

// HangupCall ends a live call on behalf of the authenticated operator.
// RBAC: operator or admin.
func (h Handlers) HangupCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	actor, err := auth.Subject(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "subject required"})
		return
	}
	timeout := h.HangupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	callID := c.Param("call_id")
	switch err := h.Calls.Hangup(ctx, callID, actor); {
	case errors.Is(err, calls.ErrCallNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found or already ended"})
	case errors.Is(err, context.DeadlineExceeded):
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "hangup still in progress"})
	case err != nil:
		logger.FromGin(c).Error("hangup failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "hangup failed"})
	default:
		logger.FromGin(c).Info("operator hangup", "call_id", callID, "actor", actor)
		c.JSON(http.StatusOK, gin.H{"call_id": callID, "status": "ended"})
	}
}

// --- Reports ---

// CallsReport summarizes call history between from and to (RFC3339). The range
// defaults to the last 24 hours.
func (h Handlers) CallsReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}
	r := reporting.TimeRange{From: from, To: to}

	sum, err := h.Reports.CallsSummary(c.Request.Context(), r)
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("calls report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	reasons, err := h.Reports.EndReasons(c.Request.Context(), r)
	if err != nil {
		logger.FromGin(c).Error("end reason report failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum, "end_reasons": reasons})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}
