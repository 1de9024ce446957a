package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"walletsync/pkg/config"
	"walletsync/pkg/models"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const suiCoinType = "0x2::sui::SUI"

var suiAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

type suiBalance struct {
	CoinType        string `json:"coinType"`
	CoinObjectCount int    `json:"coinObjectCount"`
	TotalBalance    string `json:"totalBalance"`
}

type suiCoinMetadata struct {
	Decimals int32  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// Sui reads every coin balance of an address over plain JSON-RPC.
type Sui struct {
	rpcURLs   []string
	overrides map[string]config.TokenConfig
	log       *zap.Logger

	mu       sync.Mutex
	metadata map[string]suiCoinMetadata
}

func NewSui(cfg config.Sui, log *zap.Logger) *Sui {
	s := &Sui{
		rpcURLs:   cfg.RPCURLs,
		overrides: make(map[string]config.TokenConfig),
		log:       log.Named("sui"),
		metadata: map[string]suiCoinMetadata{
			suiCoinType: {Decimals: 9, Symbol: "SUI", Name: "Sui"},
		},
	}
	for _, c := range cfg.Coins {
		s.overrides[c.Address] = c
	}
	return s
}

func (s *Sui) Network() models.Network { return models.NetworkSui }

func (s *Sui) ValidateAddress(address string) error {
	if !suiAddressPattern.MatchString(address) {
		return fmt.Errorf("%w: expected 0x followed by up to 64 hex characters", ErrInvalidAddress)
	}
	return nil
}

// Canonical left-pads to the full 32-byte form, so 0x2 and 0x00..02 match.
func (s *Sui) Canonical(address string) string {
	hexPart := strings.ToLower(strings.TrimPrefix(address, "0x"))
	if len(hexPart) < 64 {
		hexPart = strings.Repeat("0", 64-len(hexPart)) + hexPart
	}
	return "0x" + hexPart
}

func (s *Sui) FetchBalances(ctx context.Context, address string) ([]models.RawBalance, error) {
	if err := s.ValidateAddress(address); err != nil {
		return nil, err
	}

	var out []models.RawBalance
	err := s.withClient(ctx, func(client *gethrpc.Client) error {
		var balances []suiBalance
		if err := client.CallContext(ctx, &balances, "suix_getAllBalances", address); err != nil {
			return err
		}

		res := make([]models.RawBalance, 0, len(balances))
		for _, b := range balances {
			meta, ok, err := s.coinMetadata(ctx, client, b.CoinType)
			if err != nil {
				return err
			}
			if !ok {
				s.log.Debug("skipping coin without metadata", zap.String("coin_type", b.CoinType))
				continue
			}
			amount, err := decimal.NewFromString(b.TotalBalance)
			if err != nil {
				return fmt.Errorf("bad balance for %s: %w", b.CoinType, err)
			}
			res = append(res, models.RawBalance{
				Symbol:      meta.Symbol,
				DisplayName: meta.Name,
				Balance:     amount.Shift(-meta.Decimals).String(),
			})
		}
		if len(res) == 0 {
			res = append(res, models.RawBalance{Symbol: "SUI", DisplayName: "Sui", Balance: "0"})
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Sui) Probe(ctx context.Context) (string, error) {
	var id string
	err := s.withClient(ctx, func(client *gethrpc.Client) error {
		return client.CallContext(ctx, &id, "sui_getChainIdentifier")
	})
	return id, err
}

// coinMetadata returns cached metadata, fetching it on first use. Coins the
// node has no metadata for report ok=false.
func (s *Sui) coinMetadata(ctx context.Context, client *gethrpc.Client, coinType string) (suiCoinMetadata, bool, error) {
	s.mu.Lock()
	meta, ok := s.metadata[coinType]
	s.mu.Unlock()

	if !ok {
		var fetched *suiCoinMetadata
		if err := client.CallContext(ctx, &fetched, "suix_getCoinMetadata", coinType); err != nil {
			return suiCoinMetadata{}, false, err
		}
		if fetched == nil {
			return suiCoinMetadata{}, false, nil
		}
		meta = *fetched
		s.mu.Lock()
		s.metadata[coinType] = meta
		s.mu.Unlock()
	}

	if o, ok := s.overrides[coinType]; ok {
		if o.Symbol != "" {
			meta.Symbol = o.Symbol
		}
		if o.Name != "" {
			meta.Name = o.Name
		}
	}
	if meta.Name == "" {
		meta.Name = meta.Symbol
	}
	meta.Symbol = strings.ToUpper(meta.Symbol)
	return meta, true, nil
}

func (s *Sui) withClient(ctx context.Context, fn func(*gethrpc.Client) error) error {
	if len(s.rpcURLs) == 0 {
		return fmt.Errorf("sui: no rpc urls configured: %w", ErrNetworkUnavailable)
	}

	var lastErr error
	for i, rpcURL := range s.rpcURLs {
		client, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			lastErr = err
			continue
		}
		err = fn(client)
		client.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		s.log.Debug("rpc failed, trying next", zap.Int("rpc_index", i), zap.Error(err))
	}
	return classifyCtx(ctx, models.NetworkSui, lastErr)
}
