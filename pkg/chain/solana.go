package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"walletsync/pkg/config"
	"walletsync/pkg/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const lamportsPerSOL = 9

// Solana reads native SOL and configured SPL token balances.
type Solana struct {
	rpcURLs []string
	mints   []config.TokenConfig
	log     *zap.Logger
}

func NewSolana(cfg config.Solana, log *zap.Logger) *Solana {
	return &Solana{rpcURLs: cfg.RPCURLs, mints: cfg.Mints, log: log.Named("solana")}
}

func (s *Solana) Network() models.Network { return models.NetworkSolana }

func (s *Solana) ValidateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

func (s *Solana) Canonical(address string) string {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return address
	}
	return pk.String()
}

func (s *Solana) FetchBalances(ctx context.Context, address string) ([]models.RawBalance, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	var out []models.RawBalance
	err = s.withClient(ctx, func(client *rpc.Client) error {
		res, err := s.fetchAccount(ctx, client, owner)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (s *Solana) Probe(ctx context.Context) (string, error) {
	var version string
	err := s.withClient(ctx, func(client *rpc.Client) error {
		res, err := client.GetVersion(ctx)
		if err != nil {
			return err
		}
		version = res.SolanaCore
		return nil
	})
	return version, err
}

func (s *Solana) withClient(ctx context.Context, fn func(*rpc.Client) error) error {
	if len(s.rpcURLs) == 0 {
		return fmt.Errorf("solana: no rpc urls configured: %w", ErrNetworkUnavailable)
	}

	var lastErr error
	for i, endpoint := range s.rpcURLs {
		client := rpc.New(endpoint)
		err := fn(client)
		_ = client.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		s.log.Debug("rpc failed, trying next", zap.Int("rpc_index", i), zap.Error(err))
	}
	return classifyCtx(ctx, models.NetworkSolana, lastErr)
}

func (s *Solana) fetchAccount(ctx context.Context, client *rpc.Client, owner solana.PublicKey) ([]models.RawBalance, error) {
	res, err := client.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if err != nil {
		return nil, err
	}

	out := []models.RawBalance{{
		Symbol:      "SOL",
		DisplayName: "Solana",
		Balance:     decimal.NewFromBigInt(new(big.Int).SetUint64(res.Value), -lamportsPerSOL).String(),
	}}

	for _, m := range s.mints {
		bal, err := s.fetchMintBalance(ctx, client, owner, m)
		if err != nil {
			return nil, fmt.Errorf("mint %s: %w", m.Symbol, err)
		}
		if bal.IsZero() {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.Symbol
		}
		out = append(out, models.RawBalance{Symbol: m.Symbol, DisplayName: name, Balance: bal.String()})
	}
	return out, nil
}

type parsedTokenAccount struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals int32  `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
	} `json:"parsed"`
}

// fetchMintBalance sums every token account the owner holds for the mint.
func (s *Solana) fetchMintBalance(ctx context.Context, client *rpc.Client, owner solana.PublicKey, m config.TokenConfig) (decimal.Decimal, error) {
	mint, err := solana.PublicKeyFromBase58(m.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad mint address: %w", err)
	}

	accts, err := client.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingJSONParsed},
	)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, acct := range accts.Value {
		if acct == nil || acct.Account.Data == nil {
			continue
		}
		raw := acct.Account.Data.GetRawJSON()
		if raw == nil {
			continue
		}
		var parsed parsedTokenAccount
		if err := json.Unmarshal(raw, &parsed); err != nil {
			s.log.Debug("skipping unparseable token account", zap.Error(err))
			continue
		}
		amount, err := decimal.NewFromString(parsed.Parsed.Info.TokenAmount.Amount)
		if err != nil {
			continue
		}
		total = total.Add(amount.Shift(-parsed.Parsed.Info.TokenAmount.Decimals))
	}
	return total, nil
}
