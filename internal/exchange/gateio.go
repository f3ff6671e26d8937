package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
)

const (
	// Gate.io v4 public REST API
	gateBaseURL = "https://api.gateio.ws"

	serverTimeEndpoint   = "/api/v4/spot/time"
	candlesticksEndpoint = "/api/v4/spot/candlesticks"

	// Gate.io rejects windows wider than this many points
	gateMaxCandlesPerRequest = 1000

	defaultRequestTimeout = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
	maxErrorBodyBytes     = 512
)

// GateAdapter implements Adapter for the Gate.io spot API.
type GateAdapter struct {
	baseURL      string
	timeout      time.Duration
	pageLimit    int
	rateInterval time.Duration
	classifier   *errors.ErrorClassifier
	logger       *slog.Logger
	now          func() time.Time
}

// NewGateAdapter creates a Gate.io adapter from exchange configuration.
func NewGateAdapter(cfg config.ExchangeConfig, classifier *errors.ErrorClassifier, logger *slog.Logger) *GateAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if classifier == nil {
		classifier = errors.NewErrorClassifier(config.ErrorHandlingConfig{GlobalRetryPolicy: cfg.RetryPolicy}, logger)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = gateBaseURL
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > gateMaxCandlesPerRequest {
		pageLimit = gateMaxCandlesPerRequest
	}

	return &GateAdapter{
		baseURL:      baseURL,
		timeout:      config.ParseDuration(cfg.Timeout, defaultRequestTimeout),
		pageLimit:    pageLimit,
		rateInterval: time.Duration(cfg.RateLimitMs) * time.Millisecond,
		classifier:   classifier,
		logger:       logger,
		now:          time.Now,
	}
}

// Name implements Adapter.
func (g *GateAdapter) Name() string {
	return "gateio"
}

// Open implements Adapter. Each session gets its own transport so that closing
// it releases exactly the connections it used.
func (g *GateAdapter) Open(ctx context.Context) (Session, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	s := &gateSession{
		adapter:   g,
		transport: transport,
		client:    &http.Client{Timeout: g.timeout, Transport: transport},
	}

	if err := s.healthCheck(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s session: %w", g.Name(), err)
	}

	g.logger.DebugContext(ctx, "exchange session opened", "exchange", g.Name(), "base_url", g.baseURL)
	return s, nil
}

type gateSession struct {
	adapter   *GateAdapter
	transport *http.Transport
	client    *http.Client
	closeOnce sync.Once
}

func (s *gateSession) PageLimit() int {
	return s.adapter.pageLimit
}

func (s *gateSession) RateInterval() time.Duration {
	return s.adapter.rateInterval
}

func (s *gateSession) Close() error {
	s.closeOnce.Do(func() {
		s.transport.CloseIdleConnections()
		s.adapter.logger.Debug("exchange session closed", "exchange", s.adapter.Name())
	})
	return nil
}

func (s *gateSession) healthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	body, err := s.get(healthCtx, s.adapter.baseURL+serverTimeEndpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var serverTime struct {
		ServerTime int64 `json:"server_time"`
	}
	if err := json.Unmarshal(body, &serverTime); err != nil {
		return errors.New(errors.ErrorTypeMalformedPayload, "exchange", "health_check",
			fmt.Errorf("failed to parse server time: %w", err))
	}
	return nil
}

// FetchOHLCV implements Session.
func (s *gateSession) FetchOHLCV(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]models.Candle, error) {
	interval, ok := TimeframeDuration(timeframe)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	if limit <= 0 || limit > s.adapter.pageLimit {
		limit = s.adapter.pageLimit
	}

	step := int64(interval / time.Second)
	from := ceilDiv(since, 1000)
	// buckets start on interval boundaries, so round up to the next one
	if rem := from % step; rem > 0 {
		from += step - rem
	}
	now := s.adapter.now().Unix()
	if from > now {
		return []models.Candle{}, nil
	}
	to := from + int64(limit-1)*step
	if to > now {
		to = now
	}

	params := url.Values{}
	params.Set("currency_pair", ToGateSymbol(symbol))
	params.Set("interval", timeframe)
	params.Set("from", strconv.FormatInt(from, 10))
	params.Set("to", strconv.FormatInt(to, 10))

	body, err := s.get(ctx, s.adapter.baseURL+candlesticksEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	candles, err := parseGateCandles(body)
	if err != nil {
		return nil, err
	}

	// Gate.io may return the bucket containing from; keep the cursor contract strict.
	out := candles[:0]
	for _, c := range candles {
		if c.TimestampMs >= since {
			out = append(out, c)
		}
	}
	return out, nil
}

// get performs a GET with the classifier's retry policy. Only 429, 5xx and
// transport failures are retried. A 429 carrying Retry-After is waited out and
// re-sent within the same attempt, so the backoff delay is not stacked on top.
func (s *gateSession) get(ctx context.Context, requestURL string) ([]byte, error) {
	var body []byte

	err := s.adapter.classifier.Retry(ctx, "exchange", "http_get", func() error {
		status, data, retryAfter, err := s.do(ctx, requestURL)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests && retryAfter > 0 {
			s.adapter.logger.WarnContext(ctx, "rate limited, waiting", "retry_after", retryAfter)
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
			if status, data, _, err = s.do(ctx, requestURL); err != nil {
				return err
			}
		}

		if status != http.StatusOK {
			return &errors.HTTPStatusError{StatusCode: status, Body: gateErrorMessage(data)}
		}

		body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// do sends a single request and returns the status, the body and any Retry-After delay.
func (s *gateSession) do(ctx context.Context, requestURL string) (int, []byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return 0, nil, 0, errors.New(errors.ErrorTypeBadRequest, "exchange", "http_get",
			fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-tvl-correlator/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return resp.StatusCode, data, retryAfter, nil
}

// parseGateCandles converts the candlesticks response, an array of string arrays
// laid out as [t, quote_volume, close, high, low, open, base_volume, closed].
func parseGateCandles(body []byte) ([]models.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.New(errors.ErrorTypeMalformedPayload, "exchange", "parse_candles",
			fmt.Errorf("failed to parse candles response: %w", err))
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, errors.New(errors.ErrorTypeMalformedPayload, "exchange", "parse_candles",
				fmt.Errorf("row %d has %d fields, want at least 6", i, len(row)))
		}

		fields := make([]string, len(row))
		for j, raw := range row {
			fields[j] = rawToken(raw)
		}

		sec, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.New(errors.ErrorTypeMalformedPayload, "exchange", "parse_candles",
				fmt.Errorf("row %d: invalid timestamp %q", i, fields[0]))
		}

		volume := fields[1]
		if len(fields) >= 7 {
			volume = fields[6]
		}

		c, err := models.NewCandleFromStrings(sec*1000, fields[5], fields[3], fields[4], fields[2], volume)
		if err != nil {
			return nil, errors.New(errors.ErrorTypeMalformedPayload, "exchange", "parse_candles",
				fmt.Errorf("row %d: %w", i, err))
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// rawToken returns a JSON scalar as text, unquoting strings.
func rawToken(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func gateErrorMessage(body []byte) string {
	var apiErr struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Label != "" {
		return apiErr.Label + ": " + apiErr.Message
	}
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// ToGateSymbol maps unified symbols such as "AAVE/USDT" or "aave-usdt" to Gate.io's
// "AAVE_USDT" form.
func ToGateSymbol(symbol string) string {
	replacer := strings.NewReplacer("/", "_", "-", "_")
	return strings.ToUpper(replacer.Replace(strings.TrimSpace(symbol)))
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return a / b
	}
	return (a + b - 1) / b
}
