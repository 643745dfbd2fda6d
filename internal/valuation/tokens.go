package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/solpot/pot-engine/internal/model"
)

// DefaultPriceURL is the public Jupiter price API.
const DefaultPriceURL = "https://lite-api.jup.ag/price/v2"

// TokenClient implements TokenInfoSource: prices from the Jupiter price
// API, decimals from the mint account on chain.
type TokenClient struct {
	priceURL string
	http     *http.Client
	rpc      *rpc.Client
}

// NewTokenClient creates a token info client. An empty priceURL uses the
// public endpoint.
func NewTokenClient(priceURL, rpcEndpoint string, timeout time.Duration) *TokenClient {
	if priceURL == "" {
		priceURL = DefaultPriceURL
	}
	return &TokenClient{
		priceURL: priceURL,
		http:     &http.Client{Timeout: timeout},
		rpc:      rpc.New(rpcEndpoint),
	}
}

// PriceUSD returns the USD price of one whole token of mint.
func (c *TokenClient) PriceUSD(ctx context.Context, mint string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.priceURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price api returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data map[string]*struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("malformed price response: %w", err)
	}
	entry := parsed.Data[mint]
	if entry == nil || entry.Price == "" {
		return decimal.Zero, fmt.Errorf("no price for %s", mint)
	}
	return decimal.NewFromString(entry.Price)
}

// Decimals reads the mint's decimal places from its on-chain account.
// Native SOL is answered locally.
func (c *TokenClient) Decimals(ctx context.Context, mint string) (int, error) {
	if mint == model.SolMint {
		return 9, nil
	}
	key, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("mint address: %w", err)
	}
	out, err := c.rpc.GetTokenSupply(ctx, key, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("token supply for %s: %w", mint, err)
	}
	if out == nil || out.Value == nil {
		return 0, fmt.Errorf("no supply data for %s", mint)
	}
	return int(out.Value.Decimals), nil
}
