package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"walletsync/pkg/config"
	"walletsync/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// balanceOf(address) selector
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// Ethereum reads native ETH and configured ERC-20 balances, failing over
// across RPC URLs in order.
type Ethereum struct {
	rpcURLs []string
	tokens  []config.TokenConfig
	log     *zap.Logger
}

func NewEthereum(cfg config.Ethereum, log *zap.Logger) *Ethereum {
	return &Ethereum{rpcURLs: cfg.RPCURLs, tokens: cfg.Tokens, log: log.Named("ethereum")}
}

func (e *Ethereum) Network() models.Network { return models.NetworkEthereum }

func (e *Ethereum) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: not a 20-byte hex address", ErrInvalidAddress)
	}
	return nil
}

// Canonical lowercases the 0x-prefixed form; IsHexAddress also accepts the bare 40 hex characters.
func (e *Ethereum) Canonical(address string) string {
	return strings.ToLower(common.HexToAddress(address).Hex())
}

func (e *Ethereum) FetchBalances(ctx context.Context, address string) ([]models.RawBalance, error) {
	if err := e.ValidateAddress(address); err != nil {
		return nil, err
	}
	account := common.HexToAddress(address)

	var out []models.RawBalance
	err := e.withClient(ctx, func(client *ethclient.Client) error {
		res, err := e.fetchAccount(ctx, client, account)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (e *Ethereum) Probe(ctx context.Context) (string, error) {
	var id string
	err := e.withClient(ctx, func(client *ethclient.Client) error {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			return err
		}
		id = chainID.String()
		return nil
	})
	return id, err
}

// withClient runs fn against each RPC URL until one succeeds. Deadline
// errors stop the failover because every later URL shares the context.
func (e *Ethereum) withClient(ctx context.Context, fn func(*ethclient.Client) error) error {
	if len(e.rpcURLs) == 0 {
		return fmt.Errorf("ethereum: no rpc urls configured: %w", ErrNetworkUnavailable)
	}

	var lastErr error
	for i, rpcURL := range e.rpcURLs {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			lastErr = err
			e.log.Debug("dial failed", zap.Int("rpc_index", i), zap.Error(err))
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
		e.log.Debug("rpc failed, trying next", zap.Int("rpc_index", i), zap.Error(err))
	}
	return classifyCtx(ctx, models.NetworkEthereum, lastErr)
}

func (e *Ethereum) fetchAccount(ctx context.Context, client *ethclient.Client, account common.Address) ([]models.RawBalance, error) {
	wei, err := client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, err
	}

	out := []models.RawBalance{{
		Symbol:      "ETH",
		DisplayName: "Ether",
		Balance:     decimal.NewFromBigInt(wei, -18).String(),
	}}

	for _, token := range e.tokens {
		bal, err := fetchTokenBalance(ctx, client, token, account)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", token.Symbol, err)
		}
		if bal.IsZero() {
			continue
		}
		name := token.Name
		if name == "" {
			name = token.Symbol
		}
		out = append(out, models.RawBalance{Symbol: token.Symbol, DisplayName: name, Balance: bal.String()})
	}
	return out, nil
}

func fetchTokenBalance(ctx context.Context, client *ethclient.Client, token config.TokenConfig, account common.Address) (decimal.Decimal, error) {
	data := make([]byte, 4+32)
	copy(data[0:4], balanceOfSelector)
	copy(data[4+12:], account.Bytes())
	tokenAddr := common.HexToAddress(token.Address)
	msg := ethereum.CallMsg{To: &tokenAddr, Data: data}
	result, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return decimal.Zero, err
	}
	balInt := new(big.Int).SetBytes(result)
	return decimal.NewFromBigInt(balInt, -int32(token.Decimals)), nil
}
