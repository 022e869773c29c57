// Package oracle reads wallet holdings and prices from the asset oracle.
package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/brojonat/txpipe/service/retryhttp"
	"github.com/brojonat/txpipe/service/txerr"
	"github.com/brojonat/txpipe/service/txn"
	"github.com/shopspring/decimal"
)

// NativeAddress is the oracle's identifier for the native token.
const NativeAddress = "So11111111111111111111111111111111111111111"

// Token is one SPL holding.
type Token struct {
	Mint     string           `json:"mint"`
	Amount   decimal.Decimal  `json:"amount"`
	Decimals int              `json:"decimals"`
	Name     string           `json:"name,omitempty"`
	Symbol   string           `json:"symbol,omitempty"`
	Image    string           `json:"image,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Value    *decimal.Decimal `json:"value,omitempty"`
}

// NativeBalance is the native token holding.
type NativeBalance struct {
	Amount decimal.Decimal  `json:"amount"`
	Price  *decimal.Decimal `json:"price,omitempty"`
	Value  *decimal.Decimal `json:"value,omitempty"`
}

// Assets is a wallet's holdings with prices.
type Assets struct {
	NativeBalance NativeBalance   `json:"nativeBalance"`
	Tokens        []Token         `json:"tokens"`
	TotalValue    decimal.Decimal `json:"totalValue"`
}

type tokenListResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Wallet   string          `json:"wallet"`
		TotalUSD decimal.Decimal `json:"totalUsd"`
		Items    []struct {
			Address  string           `json:"address"`
			Decimals int              `json:"decimals"`
			UIAmount decimal.Decimal  `json:"uiAmount"`
			Name     string           `json:"name"`
			Symbol   string           `json:"symbol"`
			LogoURI  string           `json:"logoURI"`
			Icon     string           `json:"icon"`
			PriceUSD *decimal.Decimal `json:"priceUsd"`
			ValueUSD *decimal.Decimal `json:"valueUsd"`
		} `json:"items"`
	} `json:"data"`
}

// Client calls the oracle through a retrying, rate-limited HTTP client.
type Client struct {
	baseURL string
	apiKey  string
	chain   string
	http    *retryhttp.Client
	policy  retryhttp.Policy
	logger  *slog.Logger
}

// NewClient creates an oracle client. chain defaults to "solana".
func NewClient(baseURL, apiKey, chain string, httpClient *retryhttp.Client, policy retryhttp.Policy, logger *slog.Logger) *Client {
	if chain == "" {
		chain = "solana"
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		chain:   chain,
		http:    httpClient,
		policy:  policy,
		logger:  logger,
	}
}

// TokenList returns the wallet's holdings, with the native balance split
// out from SPL tokens.
func (c *Client) TokenList(ctx context.Context, wallet string) (*Assets, error) {
	if _, err := txn.ParseAddress("wallet", wallet); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(ctx, retryhttp.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/wallet/token_list?" + url.Values{"wallet": {wallet}}.Encode(),
		Header: http.Header{
			"Accept":    {"application/json"},
			"x-api-key": {c.apiKey},
			"x-chain":   {c.chain},
		},
	}, c.policy)
	if err != nil {
		return nil, err
	}

	var body tokenListResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, txerr.ErrUpstream.With("token_list", err)
	}
	if !body.Success {
		return nil, txerr.ErrUpstream.Withf("token_list", "oracle returned an unsuccessful response")
	}

	out := &Assets{Tokens: make([]Token, 0, len(body.Data.Items)), TotalValue: body.Data.TotalUSD}
	for _, item := range body.Data.Items {
		if item.Address == NativeAddress {
			out.NativeBalance = NativeBalance{Amount: item.UIAmount, Price: item.PriceUSD, Value: item.ValueUSD}
			continue
		}
		image := item.LogoURI
		if image == "" {
			image = item.Icon
		}
		out.Tokens = append(out.Tokens, Token{
			Mint:     item.Address,
			Amount:   item.UIAmount,
			Decimals: item.Decimals,
			Name:     item.Name,
			Symbol:   item.Symbol,
			Image:    image,
			Price:    item.PriceUSD,
			Value:    item.ValueUSD,
		})
	}

	c.logger.DebugContext(ctx, "fetched wallet token list",
		"wallet", wallet,
		"tokens", len(out.Tokens),
		"total_value", out.TotalValue.String(),
	)
	return out, nil
}
