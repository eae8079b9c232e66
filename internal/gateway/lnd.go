package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	macaroon "gopkg.in/macaroon.v2"

	"github.com/fiscalight/fiscalight/pkg/models"
)

// LNDGateway talks to an LND node over gRPC with TLS and macaroon
// credentials. It owns exactly one connection at a time; reconnection tears
// down and recreates it. The connection state is guarded by a mutex.
type LNDGateway struct {
	cfg     Config
	retrier *retrier
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client lnrpc.LightningClient
}

// NewLNDGateway dials the node and returns a connected gateway.
func NewLNDGateway(cfg Config, logger *zap.Logger) (*LNDGateway, error) {
	g := &LNDGateway{
		cfg:     cfg,
		retrier: newRetrier(cfg, logger),
		logger:  logger,
	}
	if err := g.connect(); err != nil {
		return nil, err
	}
	return g, nil
}

// connect establishes the single RPC connection, replacing any previous one.
func (g *LNDGateway) connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
		g.client = nil
	}

	creds, err := credentials.NewClientTLSFromFile(g.cfg.TLSCertPath, "")
	if err != nil {
		return fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(g.cfg.MacaroonPath)
	if err != nil {
		return fmt.Errorf("failed to read macaroon: %w", err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	conn, err := grpc.Dial(g.cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return fmt.Errorf("failed to dial lnd at %s: %w", g.cfg.Host, err)
	}

	g.conn = conn
	g.client = lnrpc.NewLightningClient(conn)
	g.logger.Info("connected to lnd node", zap.String("host", g.cfg.Host))
	return nil
}

func (g *LNDGateway) rpcClient() lnrpc.LightningClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.client
}

func (g *LNDGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := g.cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// CreateInvoice mints an invoice on the node.
func (g *LNDGateway) CreateInvoice(ctx context.Context, amountMsat *int64, description string, expirySeconds int64) (*Invoice, error) {
	var result *Invoice
	err := g.retrier.do(ctx, "create_invoice", func(ctx context.Context) error {
		callCtx, cancel := g.callCtx(ctx)
		defer cancel()

		req := &lnrpc.Invoice{
			Memo:   description,
			Expiry: expirySeconds,
		}
		if amountMsat != nil {
			req.ValueMsat = *amountMsat
		}
		resp, err := g.rpcClient().AddInvoice(callCtx, req)
		if err != nil {
			return err
		}
		now := time.Now()
		result = &Invoice{
			PaymentHash:    hex.EncodeToString(resp.RHash),
			PaymentRequest: resp.PaymentRequest,
			AmountMsat:     amountMsat,
			Description:    description,
			CreatedAt:      now,
			ExpiresAt:      now.Add(time.Duration(expirySeconds) * time.Second),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LookupInvoice reports the settlement status of a payment hash.
func (g *LNDGateway) LookupInvoice(ctx context.Context, paymentHash string) (*SettlementStatus, error) {
	if !models.ValidPaymentHash(paymentHash) {
		return nil, ErrInvalidPaymentHash
	}
	hashBytes, _ := hex.DecodeString(paymentHash)

	var result *SettlementStatus
	err := g.retrier.do(ctx, "lookup_invoice", func(ctx context.Context) error {
		callCtx, cancel := g.callCtx(ctx)
		defer cancel()

		inv, err := g.rpcClient().LookupInvoice(callCtx, &lnrpc.PaymentHash{RHash: hashBytes})
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrInvoiceNotFound
			}
			return err
		}

		result = &SettlementStatus{}
		if inv.State == lnrpc.Invoice_SETTLED {
			settledAt := time.Unix(inv.SettleDate, 0)
			result.Settled = true
			result.SettledAt = &settledAt
			result.Preimage = hex.EncodeToString(inv.RPreimage)
			// AmtPaidMsat can exceed ValueMsat on overpayment; the surplus
			// is not a routing fee so FeePaidMsat stays zero for lnd.
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetNodeInfo returns the connected node's identity and state.
func (g *LNDGateway) GetNodeInfo(ctx context.Context) (*models.NodeInfo, error) {
	var result *models.NodeInfo
	err := g.retrier.do(ctx, "get_node_info", func(ctx context.Context) error {
		callCtx, cancel := g.callCtx(ctx)
		defer cancel()

		resp, err := g.rpcClient().GetInfo(callCtx, &lnrpc.GetInfoRequest{})
		if err != nil {
			return err
		}
		info := &models.NodeInfo{
			Pubkey:            resp.IdentityPubkey,
			Alias:             resp.Alias,
			SyncedToChain:     resp.SyncedToChain,
			NumActiveChannels: resp.NumActiveChannels,
			BlockHeight:       resp.BlockHeight,
		}
		if len(resp.Chains) > 0 {
			info.Network = resp.Chains[0].Network
		}
		result = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListChannels returns the current channel snapshot.
func (g *LNDGateway) ListChannels(ctx context.Context) ([]models.ChannelInfo, error) {
	var result []models.ChannelInfo
	err := g.retrier.do(ctx, "list_channels", func(ctx context.Context) error {
		callCtx, cancel := g.callCtx(ctx)
		defer cancel()

		resp, err := g.rpcClient().ListChannels(callCtx, &lnrpc.ListChannelsRequest{})
		if err != nil {
			return err
		}
		channels := make([]models.ChannelInfo, 0, len(resp.Channels))
		for _, ch := range resp.Channels {
			channels = append(channels, models.ChannelInfo{
				ChannelID:        ch.ChanId,
				RemotePubkey:     ch.RemotePubkey,
				CapacitySat:      ch.Capacity,
				LocalBalanceSat:  ch.LocalBalance,
				RemoteBalanceSat: ch.RemoteBalance,
				Active:           ch.Active,
			})
		}
		result = channels
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close tears down the RPC connection.
func (g *LNDGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.conn = nil
	g.client = nil
	return err
}
