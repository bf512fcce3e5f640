package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// JupiterQuoteBackend satisfies QuoteBackend against the live Jupiter v6
// quote and swap endpoints, using the request/response shapes defined in
// this file.
type JupiterQuoteBackend struct {
	logger        *zap.Logger
	baseURL       string
	httpClient    *http.Client
	userPublicKey string
}

func NewJupiterQuoteBackend(logger *zap.Logger, baseURL, userPublicKey string) *JupiterQuoteBackend {
	return &JupiterQuoteBackend{
		logger:        logger.Named("jupiter"),
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		userPublicKey: userPublicKey,
	}
}

type jupiterQuoteResponse struct {
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`
	RoutePlan      []struct {
		Percent int `json:"percent"`
	} `json:"routePlan"`
}

type jupiterSwapRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	WrapAndUnwrapSOL        bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts       bool            `json:"useSharedAccounts"`
	DynamicComputeUnitLimit bool            `json:"dynamicComputeUnitLimit"`
}

type jupiterSwapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func (j *JupiterQuoteBackend) Quote(ctx context.Context, req QuoteRequest) (QuoteResult, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		j.baseURL, req.InputMint, req.OutputMint, req.AmountBaseUnits, req.SlippageBps)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return QuoteResult{}, err
	}
	resp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return QuoteResult{}, err
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return QuoteResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return QuoteResult{}, fmt.Errorf("jupiter quote failed: %s", string(rawBody))
	}

	var quote jupiterQuoteResponse
	if err := json.Unmarshal(rawBody, &quote); err != nil {
		return QuoteResult{}, err
	}

	var outAmount uint64
	fmt.Sscanf(quote.OutAmount, "%d", &outAmount)

	swapTx, err := j.buildSwapTransaction(ctx, rawBody)
	if err != nil {
		return QuoteResult{}, err
	}

	return QuoteResult{
		OutAmountBaseUnits: outAmount,
		RouteEmpty:         len(quote.RoutePlan) == 0,
		UnsignedTxBase64:   swapTx,
	}, nil
}

func (j *JupiterQuoteBackend) buildSwapTransaction(ctx context.Context, quoteResponse []byte) (string, error) {
	swapReq := jupiterSwapRequest{
		QuoteResponse:           quoteResponse,
		UserPublicKey:           j.userPublicKey,
		WrapAndUnwrapSOL:        true,
		UseSharedAccounts:       true,
		DynamicComputeUnitLimit: true,
	}
	body, err := json.Marshal(swapReq)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("jupiter swap build failed: %s", string(respBody))
	}

	var swapResp jupiterSwapResponse
	if err := json.Unmarshal(respBody, &swapResp); err != nil {
		return "", err
	}
	return swapResp.SwapTransaction, nil
}

// JitoBundleRelay submits signed transactions as tipped Jito bundles,
// fetching tip accounts on every call so a rotating set stays fresh.
type JitoBundleRelay struct {
	logger          *zap.Logger
	blockEngineURL  string
	httpClient      *http.Client
}

func NewJitoBundleRelay(logger *zap.Logger, blockEngineURL string) *JitoBundleRelay {
	return &JitoBundleRelay{
		logger:         logger.Named("jito"),
		blockEngineURL: blockEngineURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

type jitoTipAccountsResponse struct {
	TipAccounts []string `json:"tip_accounts"`
}

type jitoBundleResponse struct {
	BundleID string `json:"bundle_id"`
}

func (r *JitoBundleRelay) tipAccounts(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.blockEngineURL+"/api/v1/bundles/tip_accounts", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jito tip accounts failed: %s", string(body))
	}

	var tips jitoTipAccountsResponse
	if err := json.Unmarshal(body, &tips); err != nil {
		return nil, err
	}
	if len(tips.TipAccounts) == 0 {
		return nil, fmt.Errorf("no jito tip accounts available")
	}
	return tips.TipAccounts, nil
}

func (r *JitoBundleRelay) SubmitBundle(ctx context.Context, signedTxBase64 string, tipLamports uint64) (string, error) {
	tips, err := r.tipAccounts(ctx)
	if err != nil {
		return "", err
	}

	bundle := struct {
		Transactions []string `json:"transactions"`
		TipAccount   string   `json:"tip_account"`
		TipLamports  uint64   `json:"tip_lamports"`
	}{
		Transactions: []string{signedTxBase64},
		TipAccount:   tips[0],
		TipLamports:  tipLamports,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.blockEngineURL+"/api/v1/bundles", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("jito bundle submission failed: %s", string(respBody))
	}

	var bundleResp jitoBundleResponse
	if err := json.Unmarshal(respBody, &bundleResp); err != nil {
		return "", err
	}
	r.logger.Info("bundle submitted", zap.String("bundle_id", bundleResp.BundleID))
	return bundleResp.BundleID, nil
}

// RPCClient submits a signed transaction directly to a Solana RPC node,
// used as the fallback when bundle relay submission fails.
type RPCClient struct {
	rpcURL     string
	httpClient *http.Client
}

func NewRPCClient(rpcURL string) *RPCClient {
	return &RPCClient{rpcURL: rpcURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *RPCClient) SendTransaction(ctx context.Context, signedTxBase64 string, skipPreflight bool, maxRetries int) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendTransaction",
		"params": []any{
			signedTxBase64,
			map[string]any{
				"encoding":      "base64",
				"skipPreflight": skipPreflight,
				"maxRetries":    maxRetries,
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", err
	}
	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc sendTransaction failed: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
