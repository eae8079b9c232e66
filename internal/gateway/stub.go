package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// StubGateway is the deterministic in-memory gateway used when no node
// integration is available. It goes through the same retry and circuit
// breaker wrapper as the real gateway, so callers cannot distinguish
// resilience behavior from the stub.
type StubGateway struct {
	retrier *retrier
	logger  *zap.Logger

	mu       sync.Mutex
	seq      uint64
	invoices map[string]*stubInvoice
	channels []models.ChannelInfo

	// failures, when positive, makes the next calls fail. Used to exercise
	// the retry/breaker contract.
	failures int
}

type stubInvoice struct {
	invoice Invoice
	status  SettlementStatus
}

// NewStubGateway creates an empty stub with a default channel set.
func NewStubGateway(cfg Config, logger *zap.Logger) *StubGateway {
	return &StubGateway{
		retrier:  newRetrier(cfg, logger),
		logger:   logger,
		invoices: make(map[string]*stubInvoice),
		channels: []models.ChannelInfo{
			{ChannelID: 101, RemotePubkey: "02" + hexPad("a1", 31), CapacitySat: 5_000_000, LocalBalanceSat: 2_500_000, RemoteBalanceSat: 2_500_000, Active: true},
			{ChannelID: 102, RemotePubkey: "03" + hexPad("b2", 31), CapacitySat: 2_000_000, LocalBalanceSat: 1_800_000, RemoteBalanceSat: 200_000, Active: true},
		},
	}
}

func hexPad(b string, n int) string {
	out := ""
	for len(out) < n*2 {
		out += b
	}
	return out[:n*2]
}

// FailNext makes the next n calls fail with a simulated connectivity error.
func (s *StubGateway) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// SettleInvoice marks a stub invoice as settled, simulating an inbound
// payment. The preimage is derived from the payment hash so results are
// reproducible.
func (s *StubGateway) SettleInvoice(paymentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[paymentHash]
	if !ok {
		return ErrInvoiceNotFound
	}
	now := time.Now()
	preimage := sha256.Sum256([]byte("preimage:" + paymentHash))
	inv.status = SettlementStatus{
		Settled:     true,
		SettledAt:   &now,
		Preimage:    hex.EncodeToString(preimage[:]),
		FeePaidMsat: 0,
	}
	return nil
}

// SetChannels replaces the stub channel snapshot.
func (s *StubGateway) SetChannels(channels []models.ChannelInfo) {
	s.mu.Lock()
	s.channels = channels
	s.mu.Unlock()
}

func (s *StubGateway) maybeFail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("stub node unavailable")
	}
	return nil
}

// CreateInvoice mints a deterministic fake invoice. The payment hash is
// derived from a monotonic counter.
func (s *StubGateway) CreateInvoice(ctx context.Context, amountMsat *int64, description string, expirySeconds int64) (*Invoice, error) {
	var result *Invoice
	err := s.retrier.do(ctx, "create_invoice", func(ctx context.Context) error {
		if err := s.maybeFail(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		s.seq++
		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], s.seq)
		hash := sha256.Sum256(seqBytes[:])
		paymentHash := hex.EncodeToString(hash[:])

		now := time.Now()
		inv := Invoice{
			PaymentHash:    paymentHash,
			PaymentRequest: "lnbcstub" + paymentHash[:24],
			AmountMsat:     amountMsat,
			Description:    description,
			CreatedAt:      now,
			ExpiresAt:      now.Add(time.Duration(expirySeconds) * time.Second),
		}
		s.invoices[paymentHash] = &stubInvoice{invoice: inv}
		result = &inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LookupInvoice reports the settlement status of a stub invoice.
func (s *StubGateway) LookupInvoice(ctx context.Context, paymentHash string) (*SettlementStatus, error) {
	if !models.ValidPaymentHash(paymentHash) {
		return nil, ErrInvalidPaymentHash
	}
	var result *SettlementStatus
	err := s.retrier.do(ctx, "lookup_invoice", func(ctx context.Context) error {
		if err := s.maybeFail(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		inv, ok := s.invoices[paymentHash]
		if !ok {
			return ErrInvoiceNotFound
		}
		statusCopy := inv.status
		result = &statusCopy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetNodeInfo returns a fixed stub identity.
func (s *StubGateway) GetNodeInfo(ctx context.Context) (*models.NodeInfo, error) {
	var result *models.NodeInfo
	err := s.retrier.do(ctx, "get_node_info", func(ctx context.Context) error {
		if err := s.maybeFail(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		active := uint32(0)
		for _, ch := range s.channels {
			if ch.Active {
				active++
			}
		}
		result = &models.NodeInfo{
			Pubkey:            "02" + hexPad("ff", 31),
			Alias:             "fiscalight-stub",
			Network:           "regtest",
			SyncedToChain:     true,
			NumActiveChannels: active,
			BlockHeight:       800_000,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListChannels returns the stub channel snapshot.
func (s *StubGateway) ListChannels(ctx context.Context) ([]models.ChannelInfo, error) {
	var result []models.ChannelInfo
	err := s.retrier.do(ctx, "list_channels", func(ctx context.Context) error {
		if err := s.maybeFail(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		result = make([]models.ChannelInfo, len(s.channels))
		copy(result, s.channels)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close is a no-op for the stub.
func (s *StubGateway) Close() error {
	return nil
}
