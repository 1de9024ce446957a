package store

import (
	"encoding/json"
	"fmt"
	"time"

	"walletsync/pkg/models"

	sq "github.com/Masterminds/squirrel"
)

const walletsTable = "wallets"

var walletColumns = []string{
	"id", "address", "network", "display_name", "tokens",
	"total_value_usd", "last_updated", "created_at", "position",
}

// insertSnapshot builds one multi-row INSERT for the whole collection.
func insertSnapshot(b sq.StatementBuilderType, records []models.WalletRecord, encodeTime func(*time.Time) interface{}) (string, []interface{}, error) {
	ins := b.Insert(walletsTable).Columns(walletColumns...)
	for i, r := range records {
		tokens, err := encodeTokens(r.Tokens)
		if err != nil {
			return "", nil, fmt.Errorf("wallet %s: %w", r.ID, err)
		}
		created := r.CreatedAt
		ins = ins.Values(
			r.ID, r.Address, string(r.Network), r.DisplayName, tokens,
			r.TotalValueUSD, encodeTime(r.LastUpdated), encodeTime(&created), i,
		)
	}
	return ins.ToSql()
}

func selectSnapshot(b sq.StatementBuilderType) (string, []interface{}, error) {
	return b.Select(walletColumns...).From(walletsTable).OrderBy("position").ToSql()
}

func encodeTokens(tokens []models.TokenBalance) (string, error) {
	if tokens == nil {
		tokens = []models.TokenBalance{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeTokens(raw string) ([]models.TokenBalance, error) {
	var tokens []models.TokenBalance
	if raw == "" {
		return tokens, nil
	}
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return tokens, nil
}
