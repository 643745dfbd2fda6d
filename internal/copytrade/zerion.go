package copytrade

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/solpot/pot-engine/internal/model"
)

// DefaultZerionURL is the public Zerion REST API.
const DefaultZerionURL = "https://api.zerion.io/v1"

// ZerionClient implements HistorySource against the Zerion wallet
// transactions API, filtered to confirmed Solana trades.
type ZerionClient struct {
	baseURL string
	auth    string
	http    *http.Client
}

// NewZerionClient creates a history client. An empty baseURL uses the
// public endpoint.
func NewZerionClient(baseURL, apiKey string, timeout time.Duration) *ZerionClient {
	if baseURL == "" {
		baseURL = DefaultZerionURL
	}
	return &ZerionClient{
		baseURL: baseURL,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":")),
		http:    &http.Client{Timeout: timeout},
	}
}

type zerionTransfer struct {
	Direction string `json:"direction"`
	Quantity  struct {
		Int      string `json:"int"`
		Decimals int    `json:"decimals"`
	} `json:"quantity"`
	FungibleInfo struct {
		Symbol          string `json:"symbol"`
		Implementations []struct {
			ChainID string `json:"chain_id"`
			Address string `json:"address"`
		} `json:"implementations"`
	} `json:"fungible_info"`
}

type zerionTransaction struct {
	Attributes struct {
		OperationType string           `json:"operation_type"`
		Hash          string           `json:"hash"`
		Status        string           `json:"status"`
		Transfers     []zerionTransfer `json:"transfers"`
	} `json:"attributes"`
}

// RecentTrades fetches the wallet's most recent trade transactions.
func (c *ZerionClient) RecentTrades(ctx context.Context, walletAddress string, limit int) ([]WalletTrade, error) {
	q := url.Values{}
	q.Set("currency", "usd")
	q.Set("page[size]", strconv.Itoa(limit))
	q.Set("filter[operation_types]", "trade")
	q.Set("filter[chain_ids]", "solana")

	endpoint := fmt.Sprintf("%s/wallets/%s/transactions/?%s", c.baseURL, walletAddress, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history api returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data []zerionTransaction `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}

	trades := make([]WalletTrade, 0, len(parsed.Data))
	for _, tx := range parsed.Data {
		wt := WalletTrade{
			Hash:   tx.Attributes.Hash,
			Type:   tx.Attributes.OperationType,
			Status: tx.Attributes.Status,
		}
		for _, tr := range tx.Attributes.Transfers {
			amount, err := strconv.ParseUint(tr.Quantity.Int, 10, 64)
			if err != nil {
				continue
			}
			wt.Transfers = append(wt.Transfers, Transfer{
				Direction: tr.Direction,
				Mint:      solanaMint(tr),
				Amount:    amount,
				Symbol:    tr.FungibleInfo.Symbol,
			})
		}
		trades = append(trades, wt)
	}
	return trades, nil
}

// solanaMint extracts the token's Solana address. The indexer reports
// the native asset with no address (or the system program); both map to
// the wrapped-native mint.
func solanaMint(tr zerionTransfer) string {
	for _, impl := range tr.FungibleInfo.Implementations {
		if impl.ChainID != "solana" {
			continue
		}
		if impl.Address == "" {
			return model.SolMint
		}
		return model.NormalizeMint(impl.Address)
	}
	if tr.FungibleInfo.Symbol == "SOL" {
		return model.SolMint
	}
	return ""
}
