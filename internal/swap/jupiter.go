package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// DefaultJupiterURL is the public v6 quote API.
const DefaultJupiterURL = "https://quote-api.jup.ag/v6"

// JupiterClient implements Aggregator against the Jupiter swap API.
type JupiterClient struct {
	baseURL     string
	http        *http.Client
	slippageBps int
}

// NewJupiterClient creates a Jupiter aggregator client. An empty baseURL
// uses the public endpoint.
func NewJupiterClient(baseURL string, slippageBps int, timeout time.Duration) *JupiterClient {
	if baseURL == "" {
		baseURL = DefaultJupiterURL
	}
	if slippageBps <= 0 {
		slippageBps = 50
	}
	return &JupiterClient{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: timeout},
		slippageBps: slippageBps,
	}
}

type jupiterQuoteResponse struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	SwapUsdValue   string `json:"swapUsdValue"`
	SlippageBps    int    `json:"slippageBps"`
}

// GetQuote fetches a swap route for the pair and amount.
func (c *JupiterClient) GetQuote(ctx context.Context, inMint, outMint string, amount uint64, _ solana.PublicKey) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", inMint)
	q.Set("outputMint", outMint)
	q.Set("amount", strconv.FormatUint(amount, 10))
	q.Set("slippageBps", strconv.Itoa(c.slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var jq jupiterQuoteResponse
	if err := json.Unmarshal(body, &jq); err != nil {
		return nil, fmt.Errorf("malformed quote response: %w", err)
	}
	inAmount, err := strconv.ParseUint(jq.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quote inAmount %q: %w", jq.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(jq.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quote outAmount %q: %w", jq.OutAmount, err)
	}

	quote := &Quote{
		InMint:      jq.InputMint,
		OutMint:     jq.OutputMint,
		InAmount:    inAmount,
		OutAmount:   outAmount,
		SlippageBps: jq.SlippageBps,
		Raw:         json.RawMessage(body),
	}
	if p, err := decimal.NewFromString(jq.PriceImpactPct); err == nil {
		quote.PriceImpactPct = p
	}
	if v, err := decimal.NewFromString(jq.SwapUsdValue); err == nil {
		quote.SwapUSDValue = v
	}
	return quote, nil
}

// BuildSwap exchanges the quote for an unsigned transaction spending
// from the signer.
func (c *JupiterClient) BuildSwap(ctx context.Context, quote *Quote, signer solana.PublicKey) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"quoteResponse":             json.RawMessage(quote.Raw),
		"userPublicKey":             signer.String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": "auto",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var resp struct {
		SwapTransaction string `json:"swapTransaction"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("malformed swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("swap response carried no transaction")
	}
	return []byte(resp.SwapTransaction), nil
}

func (c *JupiterClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
