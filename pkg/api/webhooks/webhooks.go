// Package webhooks receives change notifications from the source
// datastore's automation and keeps the cache in step.
//
// Trust model: refetch before acting. A notification is treated as a
// hint, never as authority: the handler re-queries the source and acts on
// what the source actually says. A delete notification therefore only
// tombstones once the source confirms the record is gone, so a spoofed or
// stale notification can never make a live record disappear.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/hackclub/podium-cache/pkg/cache"
	"github.com/hackclub/podium-cache/pkg/observability"
)

// Config holds webhook ingress settings.
type Config struct {
	// Secret signs notification payloads (HMAC-SHA256, hex).
	Secret string `mapstructure:"secret"`
	// SignatureHeader carries the payload signature.
	SignatureHeader string `mapstructure:"signature_header"`
	// MaxPayloadBytes bounds the request body.
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes"`
	// RatePerSecond and Burst rate-limit the endpoint.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// DefaultConfig returns the default webhook ingress settings.
func DefaultConfig() Config {
	return Config{
		SignatureHeader: "X-Webhook-Signature",
		MaxPayloadBytes: 1 << 20,
		RatePerSecond:   25,
		Burst:           50,
	}
}

// Notification is the change description the source automation posts.
type Notification struct {
	Entity   string `json:"entity"`
	RecordID string `json:"record_id"`
	Action   string `json:"action"`
}

// Handler dispatches verified notifications into cache operations.
type Handler struct {
	ops     *cache.Ops
	source  cache.Source
	cfg     Config
	limiter *rate.Limiter
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewHandler creates the webhook handler.
func NewHandler(ops *cache.Ops, source cache.Source, cfg Config, logger observability.Logger, metrics observability.MetricsClient) *Handler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetricsClient()
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = DefaultConfig().SignatureHeader
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultConfig().MaxPayloadBytes
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	return &Handler{
		ops:     ops,
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger.WithPrefix("webhooks"),
		metrics: metrics,
	}
}

// Register mounts the webhook route.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/api/webhooks/airtable", h.Handle)
}

// Handle processes one notification. 2xx means accepted, 4xx means the
// request itself was bad (no retry), 5xx means the automation should retry.
func (h *Handler) Handle(c *gin.Context) {
	start := time.Now()

	if !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.cfg.MaxPayloadBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read body"})
		return
	}
	if int64(len(body)) > h.cfg.MaxPayloadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	if !h.verifySignature(body, c.GetHeader(h.cfg.SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", map[string]interface{}{"remote": c.ClientIP()})
		h.metrics.IncrementCounterWithLabels("webhook_rejected_total", 1, map[string]string{"reason": "signature"})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var note Notification
	if err := bindNotification(body, &note); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desc, err := h.ops.Registry().Describe(note.Entity)
	if err != nil {
		// A notification for an unregistered entity is a deployment
		// problem, not a caller problem.
		h.logger.Error("webhook for unregistered entity", map[string]interface{}{"entity": note.Entity})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unregistered entity"})
		return
	}

	ctx := c.Request.Context()
	switch note.Action {
	case "update", "create":
		err = h.applyUpdate(ctx, desc, note.RecordID)
	case "delete":
		err = h.applyDelete(ctx, desc, note.RecordID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
		return
	}

	if err != nil {
		h.logger.Error("webhook dispatch failed", map[string]interface{}{
			"entity": note.Entity, "id": note.RecordID, "action": note.Action, "error": err.Error(),
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retry later"})
		return
	}

	h.metrics.IncrementCounterWithLabels("webhook_applied_total", 1, map[string]string{
		"entity": note.Entity, "action": note.Action,
	})
	h.logger.Info("webhook applied", map[string]interface{}{
		"entity": note.Entity, "id": note.RecordID, "action": note.Action,
		"latency_ms": time.Since(start).Milliseconds(),
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// applyUpdate refetches the record and upserts what the source returned.
// If the record has vanished since the notification fired, the entry is
// invalidated; the next read settles it.
func (h *Handler) applyUpdate(ctx context.Context, desc *cache.Descriptor, id string) error {
	rec, err := h.source.GetRecord(ctx, desc.Table, id)
	switch {
	case err == nil:
		return h.ops.Upsert(ctx, desc.Name, rec)
	case errors.Is(err, cache.ErrSourceNotFound):
		return h.ops.Invalidate(ctx, desc.Name, id)
	default:
		return err
	}
}

// applyDelete refetches before trusting the notification. Only a
// source-confirmed absence goes down the full delete path (primary gone,
// indexes cleaned, tombstone set); a record that still exists is
// refreshed instead, and an unreachable source downgrades to invalidate.
func (h *Handler) applyDelete(ctx context.Context, desc *cache.Descriptor, id string) error {
	rec, err := h.source.GetRecord(ctx, desc.Table, id)
	switch {
	case errors.Is(err, cache.ErrSourceNotFound):
		return h.ops.Delete(ctx, desc.Name, id)
	case err == nil:
		// Still live: the notification was stale or wrong. Refresh instead.
		return h.ops.Upsert(ctx, desc.Name, rec)
	default:
		// Source unreachable: mark uncertain and let the automation retry.
		if ierr := h.ops.Invalidate(ctx, desc.Name, id); ierr != nil {
			h.logger.Warn("invalidate during source outage failed", map[string]interface{}{"entity": desc.Name, "id": id, "error": ierr.Error()})
		}
		return err
	}
}

func bindNotification(body []byte, note *Notification) error {
	if err := json.Unmarshal(body, note); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if note.Entity == "" || note.RecordID == "" || note.Action == "" {
		return errors.New("entity, record_id and action are required")
	}
	return nil
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if h.cfg.Secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
