// Package webhooks ingests HTTP callbacks from the Lightning node and maps
// them 1:1 onto the domain events the polling monitor would emit. Webhooks
// and polling are complementary: settlement callbacks funnel into the same
// idempotent mark-settled operation.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/internal/gateway"
	"github.com/fiscalight/fiscalight/internal/infrastructure/eventbus"
	"github.com/fiscalight/fiscalight/internal/invoices"
	"github.com/fiscalight/fiscalight/pkg/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Payload is the node's webhook body.
type Payload struct {
	Event       string `json:"event"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	FeeMsat     int64  `json:"fee_msat,omitempty"`
	SettledAt   *int64 `json:"settled_at,omitempty"` // unix seconds
	ChannelID   uint64 `json:"channel_id,omitempty"`
	RemoteNode  string `json:"remote_node,omitempty"`
	CapacitySat int64  `json:"capacity_sat,omitempty"`
	AmountMsat  int64  `json:"amount_msat,omitempty"`
}

// SettlementApplier is the idempotent mark-settled/mark-expired surface of
// the invoice lifecycle.
type SettlementApplier interface {
	MarkSettled(ctx context.Context, paymentHash string, st gateway.SettlementStatus) (transitionApplied bool, err error)
	MarkExpired(ctx context.Context, paymentHash string) (bool, error)
}

// lifecycleApplier adapts invoices.Service to SettlementApplier.
type lifecycleApplier struct {
	svc *invoices.Service
}

func (a lifecycleApplier) MarkSettled(ctx context.Context, paymentHash string, st gateway.SettlementStatus) (bool, error) {
	_, transitioned, err := a.svc.MarkSettled(ctx, paymentHash, st)
	return transitioned, err
}

func (a lifecycleApplier) MarkExpired(ctx context.Context, paymentHash string) (bool, error) {
	return a.svc.MarkExpired(ctx, paymentHash)
}

// NewLifecycleApplier wraps the lifecycle service for webhook use.
func NewLifecycleApplier(svc *invoices.Service) SettlementApplier {
	return lifecycleApplier{svc: svc}
}

// Handler serves the node webhook endpoint.
type Handler struct {
	secret    []byte
	lifecycle SettlementApplier
	tax       TaxProcessor
	bus       eventbus.Bus
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// TaxProcessor mirrors the monitor's asynchronous fiscal hook.
type TaxProcessor interface {
	ProcessSettledPayment(ctx context.Context, paymentHash string) error
}

// NewHandler creates the webhook handler. An empty secret disables signature
// verification.
func NewHandler(secret string, lifecycle SettlementApplier, tax TaxProcessor, bus eventbus.Bus, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.NewNop()
	}
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Handler{
		secret:    key,
		lifecycle: lifecycle,
		tax:       tax,
		bus:       bus,
		logger:    logger,
		metrics:   m,
	}
}

// Register mounts the webhook route on a gin router.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/node", h.handle)
}

func (h *Handler) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if len(h.secret) > 0 {
		if !h.verifySignature(body, c.GetHeader(SignatureHeader)) {
			h.metrics.WebhooksReceived.WithLabelValues("unknown", "rejected").Inc()
			h.logger.Warn("webhook signature verification failed",
				zap.String("remote", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	if err := h.dispatch(c.Request.Context(), payload); err != nil {
		h.metrics.WebhooksReceived.WithLabelValues(payload.Event, "error").Inc()
		h.logger.Error("webhook processing failed",
			zap.String("event", payload.Event),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	h.metrics.WebhooksReceived.WithLabelValues(payload.Event, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// verifySignature compares the HMAC-SHA256 of the raw body in constant time.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// dispatch maps one webhook delivery to its domain effect.
func (h *Handler) dispatch(ctx context.Context, p Payload) error {
	switch p.Event {
	case "invoice_created":
		h.publish(ctx, eventbus.EventInvoiceCreated, p.PaymentHash, eventbus.InvoiceCreatedPayload{
			PaymentHash: p.PaymentHash,
		})
		return nil

	case "invoice_settled":
		st := gateway.SettlementStatus{
			Settled:     true,
			Preimage:    p.Preimage,
			FeePaidMsat: p.FeeMsat,
		}
		if p.SettledAt != nil {
			t := time.Unix(*p.SettledAt, 0)
			st.SettledAt = &t
		}
		transitioned, err := h.lifecycle.MarkSettled(ctx, p.PaymentHash, st)
		if err != nil {
			return err
		}
		// The settled event itself is emitted by the lifecycle transition;
		// a duplicate of a poll-detected settlement is a clean no-op.
		if transitioned && h.tax != nil {
			go func() {
				taxCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := h.tax.ProcessSettledPayment(taxCtx, p.PaymentHash); err != nil {
					h.logger.Error("tax processing failed for webhook settlement",
						zap.String("payment_hash", p.PaymentHash),
						zap.Error(err))
				}
			}()
		}
		return nil

	case "invoice_expired":
		_, err := h.lifecycle.MarkExpired(ctx, p.PaymentHash)
		return err

	case "channel_opened":
		h.publish(ctx, eventbus.EventChannelOpened, channelKey(p.ChannelID), eventbus.ChannelEventPayload{
			ChannelID:    p.ChannelID,
			RemotePubkey: p.RemoteNode,
			CapacitySat:  p.CapacitySat,
		})
		return nil

	case "channel_closed":
		h.publish(ctx, eventbus.EventChannelClosed, channelKey(p.ChannelID), eventbus.ChannelEventPayload{
			ChannelID:    p.ChannelID,
			RemotePubkey: p.RemoteNode,
			CapacitySat:  p.CapacitySat,
		})
		return nil

	case "payment_received":
		h.publish(ctx, eventbus.EventPaymentReceived, p.PaymentHash, p)
		return nil

	case "payment_sent":
		h.publish(ctx, eventbus.EventPaymentSent, p.PaymentHash, p)
		return nil

	default:
		h.logger.Warn("unknown webhook event ignored", zap.String("event", p.Event))
		return nil
	}
}

func (h *Handler) publish(ctx context.Context, typ eventbus.EventType, key string, payload interface{}) {
	_ = h.bus.Publish(ctx, eventbus.NewEvent(typ, "webhooks", key, payload))
}

func channelKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
