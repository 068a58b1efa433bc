// Package kraken implements common.Venue against the Kraken spot REST API.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"execution-core/pkg/exchanges/common"
)

// Config holds Kraken credentials and transport settings.
type Config struct {
	APIKey    string
	APISecret string // base64, as issued by Kraken
	BaseURL   string
	Timeout   time.Duration
	RPS       float64 // REST call pacing; 0 disables
}

// Client is a Kraken spot trading client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger

	nonceMu   sync.Mutex
	lastNonce int64

	marketsMu sync.RWMutex
	markets   map[string]pairInfo // keyed by engine symbol, e.g. BTC/USD
}

// New builds a client. An empty BaseURL points at production.
func New(cfg Config, logger zerolog.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.kraken.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 2)
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger.With().Str("component", "kraken").Logger(),
		markets:    make(map[string]pairInfo),
	}
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// doPublic performs an unauthenticated GET.
func (c *Client) doPublic(ctx context.Context, method string, params url.Values, out any) error {
	path := "/0/public/" + method
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, path, out)
}

// doPrivate signs the form body and performs the POST.
func (c *Client) doPrivate(ctx context.Context, method string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("kraken: API key/secret required")
	}
	if params == nil {
		params = url.Values{}
	}
	nonce := c.nextNonce()
	params.Set("nonce", strconv.FormatInt(nonce, 10))

	path := "/0/private/" + method
	body := params.Encode()
	sig, err := sign(path, params.Get("nonce"), body, c.cfg.APISecret)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sig)
	return c.do(ctx, req, path, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, path string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("kraken %s: %w", path, err)
		}
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kraken %s: connection error: %w", path, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("kraken %s status %d: %s", path, res.StatusCode, string(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if len(env.Error) > 0 {
		// Keep the venue's text intact for retry classification.
		return fmt.Errorf("kraken %s: %s", path, strings.Join(env.Error, ", "))
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}

// nextNonce returns a strictly increasing millisecond nonce.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// sign computes API-Sign: HMAC-SHA512(path + SHA256(nonce + body)) keyed
// with the decoded secret.
func sign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("kraken: decode api secret: %w", err)
	}
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func isUnknownOrder(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "Unknown order") || strings.Contains(err.Error(), "Invalid order"))
}

var _ common.Venue = (*Client)(nil)
