package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"skirmish/server/settlement"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"

	pathSettlements = "/settlements"
	pathUsers       = "/users/"

	maxErrorBody = 4 << 10
)

var ErrInvalidConfig = errors.New("authority: invalid client config")

type ClientConfig struct {
	BaseURL string
	Secret  []byte
	// Issuer はトークンの iss です。空なら DefaultIssuer を使います。
	Issuer string
	// RequestsPerSecond が0以下なら送信レートを制限しません。
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client は settlement.Authority をHTTP JSONで実装します。
// 4xx は ErrRejected、5xx と通信エラーは ErrUnavailable として返します。
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     *Signer
}

var _ settlement.Authority = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" || len(cfg.Secret) == 0 {
		return nil, ErrInvalidConfig
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		signer:  NewSigner(cfg.Secret, cfg.Issuer),
	}, nil
}

type settlementResponse struct {
	Results []settlement.UserResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) GetUser(ctx context.Context, userID string) (settlement.User, error) {
	var u settlement.User
	if err := c.do(ctx, http.MethodGet, pathUsers+url.PathEscape(userID), "", nil, &u); err != nil {
		return settlement.User{}, err
	}
	return u, nil
}

// UpdateUsers はバッチを送信します。同じトークンでの再送はリモート側で重複適用されません。
func (c *Client) UpdateUsers(ctx context.Context, batch settlement.Batch) ([]settlement.UserResult, error) {
	var resp settlementResponse
	if err := c.do(ctx, http.MethodPost, pathSettlements, batch.IdempotencyToken, batch, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", settlement.ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", settlement.ErrRejected, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrRejected, err)
	}
	token, err := c.signer.Sign(path)
	if err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", settlement.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		slog.DebugContext(ctx, "authority request failed", "method", method, "path", path, "status", resp.StatusCode, "err", err)
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", settlement.ErrUnavailable, err)
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code < 400 {
		return nil
	}
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return fmt.Errorf("%w: status %d", settlement.ErrUnavailable, code)
	}

	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&e)
	return fmt.Errorf("%w: status %d: %s", settlement.ErrRejected, code, e.Error)
}
