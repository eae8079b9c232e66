// Package gateway wraps the remote Lightning node's RPC surface behind retry
// and circuit-breaker logic. It is the only component that talks to the node.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// ErrInvoiceNotFound is the typed "not found" result for unknown payment
// hashes. It is an expected lookup outcome, not a connectivity failure.
var ErrInvoiceNotFound = errors.New("invoice not found")

// ErrInvalidPaymentHash rejects malformed payment hashes before any RPC call.
var ErrInvalidPaymentHash = errors.New("payment hash must be 64 hex characters")

// ConnectivityError is surfaced once retries and the circuit breaker are
// exhausted.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("lightning node unreachable during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivityError checks whether err is a node connectivity failure.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// Invoice is the gateway's view of a freshly created Lightning invoice.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	AmountMsat     *int64 // nil for "any amount" invoices
	Description    string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// SettlementStatus is the tagged result of an invoice lookup, defined here at
// the gateway boundary so no raw RPC maps travel upward.
type SettlementStatus struct {
	Settled     bool
	SettledAt   *time.Time
	Preimage    string
	FeePaidMsat int64
}

// Gateway is the node RPC surface used by the settlement engine.
type Gateway interface {
	// CreateInvoice mints an invoice on the node. amountMsat nil requests an
	// "any amount" invoice.
	CreateInvoice(ctx context.Context, amountMsat *int64, description string, expirySeconds int64) (*Invoice, error)
	// LookupInvoice reports the settlement status of a payment hash.
	LookupInvoice(ctx context.Context, paymentHash string) (*SettlementStatus, error)
	// GetNodeInfo returns the connected node's identity and sync state.
	GetNodeInfo(ctx context.Context) (*models.NodeInfo, error)
	// ListChannels returns the current channel snapshot.
	ListChannels(ctx context.Context) ([]models.ChannelInfo, error)
	// Close tears down the RPC connection.
	Close() error
}

// Config holds gateway connection and resilience settings.
type Config struct {
	Host               string
	TLSCertPath        string
	MacaroonPath       string
	RPCTimeout         time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}
