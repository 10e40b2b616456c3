package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopfront/payplus/internal/config"
)

const (
	generateLinkPath = "/api/v1.0/PaymentPages/generateLink"
	ipnPath          = "/api/v1.0/PaymentPages/ipn"
	capturePath      = "/api/v1.0/Transactions/captureByTransactionUID"
)

// API is the outbound surface of the PayPlus gateway.
type API interface {
	GenerateLink(ctx context.Context, req *PaymentPageRequest) (*PaymentLink, error)
	CheckStatus(ctx context.Context, q StatusQuery) (*GatewayResult, error)
	Capture(ctx context.Context, req *CaptureRequest) (*GatewayResult, error)
}

// Client talks to the PayPlus REST API with api-key/secret-key header auth.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	log       *zap.Logger
	client    *http.Client
}

func NewClient(cfg config.GatewayConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		secretKey: strings.TrimSpace(cfg.SecretKey),
		log:       log.Named("gateway.client"),
		client:    &http.Client{Timeout: timeout},
	}
}

// GenerateLink asks the gateway for a hosted payment page. A rejected
// request comes back as PaymentLink{Approved: false}, not as an error.
func (c *Client) GenerateLink(ctx context.Context, req *PaymentPageRequest) (*PaymentLink, error) {
	env, err := c.post(ctx, generateLinkPath, req)
	if err != nil {
		return nil, err
	}

	link := &PaymentLink{
		Approved:    env.success(),
		Code:        env.Results.Code.String(),
		Description: env.Results.Description,
		Raw:         env.Data,
	}
	if !link.Approved {
		c.log.Warn("payment link rejected",
			zap.String("code", link.Code),
			zap.String("description", link.Description),
		)
		return link, nil
	}

	var data wireLink
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decode generateLink response: %w", err)
	}
	link.PageRequestUID = data.PageRequestUID
	link.PaymentPageLink = data.PaymentPageLink
	return link, nil
}

// CheckStatus fetches the authoritative transaction state via the IPN
// endpoint. Negative status codes are returned as data on the result.
func (c *Client) CheckStatus(ctx context.Context, q StatusQuery) (*GatewayResult, error) {
	body := map[string]string{}
	switch {
	case q.TransactionUID != "":
		body["transaction_uid"] = q.TransactionUID
	case q.PageRequestUID != "":
		body["payment_request_uid"] = q.PageRequestUID
	default:
		return nil, fmt.Errorf("status query missing transaction and page request uids")
	}

	env, err := c.post(ctx, ipnPath, body)
	if err != nil {
		return nil, err
	}
	return parseResult(env)
}

// Capture settles a previously authorized transaction.
func (c *Client) Capture(ctx context.Context, req *CaptureRequest) (*GatewayResult, error) {
	env, err := c.post(ctx, capturePath, req)
	if err != nil {
		return nil, err
	}
	return parseResult(env)
}

func parseResult(env *envelope) (*GatewayResult, error) {
	var data wireResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode gateway result: %w", err)
		}
	}

	result := &GatewayResult{
		TransactionUID:        data.TransactionUID,
		PageRequestUID:        data.PageRequestUID,
		StatusCode:            data.StatusCode,
		Type:                  data.Type,
		AmountMinor:           MinorUnits(data.Amount),
		Currency:              data.Currency,
		MoreInfo:              data.MoreInfo,
		ApprovalNum:           data.ApprovalNum,
		VoucherNum:            data.VoucherNum,
		Method:                data.Method,
		FourDigits:            data.FourDigits,
		BrandName:             data.BrandName,
		ExpiryMonth:           data.ExpiryMonth,
		ExpiryYear:            data.ExpiryYear,
		TokenUID:              data.TokenUID,
		CustomerUID:           data.CustomerUID,
		IsMultipleTransaction: data.IsMultipleTransaction,
		RelatedTransactions:   data.RelatedTransactions,
		Raw:                   env.Data,
	}
	if !env.success() && result.StatusCode == "" {
		// Envelope-level rejection with no inner payload still needs a
		// non-approved status code for the state machine.
		result.StatusCode = env.Results.Code.String()
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("secret-key", c.secretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("gateway request failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	return &env, nil
}
