// Package scraper fetches a server-rendered protocol page and extracts the TVL
// chart embedded in its Next.js props.
//
// Every failure degrades to an empty ScrapeResult carrying a Diagnostic whose
// Reason names the failure mode, so callers never handle an error value and
// each mode is still distinguishable in logs and metrics.
package scraper

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/johnayoung/go-tvl-correlator/internal/config"
	"github.com/johnayoung/go-tvl-correlator/internal/errors"
	"github.com/johnayoung/go-tvl-correlator/internal/metrics"
	"github.com/johnayoung/go-tvl-correlator/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

const (
	// StageScrapeTvl names the pipeline stage scraper diagnostics are attributed to.
	StageScrapeTvl = "scrape_tvl"

	// NextDataScriptID is the id of the script element holding the page props.
	NextDataScriptID = "__NEXT_DATA__"

	// ChartDataPath is the gjson path of the TVL series inside the props document.
	ChartDataPath = "props.pageProps.tvlChartData"

	defaultTimeout  = 45 * time.Second
	maxPageBodySize = 32 << 20
)

// Diagnostic reasons, one per failure mode.
const (
	ReasonRequestFailed = "request_failed"
	ReasonHTTPStatus    = "http_status"
	ReasonScriptMissing = "script_missing"
	ReasonJSONInvalid   = "json_invalid"
	ReasonPathMissing   = "path_missing"
	ReasonShapeInvalid  = "shape_invalid"
)

// ScrapeResult is the outcome of one page scrape.
type ScrapeResult struct {
	Points     []models.TvlPoint
	Dropped    int // chart elements rejected at the ingestion boundary
	StatusCode int
	Diagnostic *errors.Diagnostic
}

// OK reports whether the scrape completed without a diagnostic.
func (r ScrapeResult) OK() bool {
	return r.Diagnostic == nil
}

// Empty reports whether no TVL points were extracted.
func (r ScrapeResult) Empty() bool {
	return len(r.Points) == 0
}

// Scraper retrieves TVL chart data from protected pages.
type Scraper struct {
	timeout        time.Duration
	userAgent      string
	acceptLanguage string
	fingerprint    bool
	rootCAs        *x509.CertPool // nil uses the system roots
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewScraper creates a scraper from configuration.
func NewScraper(cfg config.ScraperConfig, logger *slog.Logger, m *metrics.Metrics) *Scraper {
	if logger == nil {
		logger = slog.Default()
	}
	acceptLanguage := cfg.AcceptLanguage
	if acceptLanguage == "" {
		acceptLanguage = "en-US,en;q=0.9"
	}
	return &Scraper{
		timeout:        config.ParseDuration(cfg.Timeout, defaultTimeout),
		userAgent:      cfg.UserAgent,
		acceptLanguage: acceptLanguage,
		fingerprint:    cfg.Fingerprint,
		logger:         logger,
		metrics:        m,
	}
}

type pageResponse struct {
	status int
	body   []byte
	err    error
}

// ScrapeChartData fetches url and returns the TVL chart points it embeds.
// The request runs on its own goroutine; ScrapeChartData waits for it or for
// ctx to end, whichever comes first.
func (s *Scraper) ScrapeChartData(ctx context.Context, url string) ScrapeResult {
	transport := newBrowserTransport(s.fingerprint, s.timeout, s.rootCAs)
	client := &http.Client{Timeout: s.timeout, Transport: transport}
	defer transport.CloseIdleConnections()

	done := make(chan pageResponse, 1)
	go func() {
		done <- s.fetchPage(ctx, client, url)
	}()

	var resp pageResponse
	select {
	case resp = <-done:
	case <-ctx.Done():
		return s.fail(ctx, ScrapeResult{}, errors.ErrorTypeSourceUnavailable, ReasonRequestFailed, ctx.Err())
	}

	if resp.err != nil {
		return s.fail(ctx, ScrapeResult{}, errors.ErrorTypeSourceUnavailable, ReasonRequestFailed, resp.err)
	}
	if resp.status != http.StatusOK {
		return s.fail(ctx, ScrapeResult{StatusCode: resp.status}, errors.ErrorTypeSourceUnavailable, ReasonHTTPStatus,
			&errors.HTTPStatusError{StatusCode: resp.status})
	}

	result := ScrapeResult{StatusCode: resp.status}

	props, err := ExtractNextData(bytes.NewReader(resp.body))
	if err != nil {
		return s.fail(ctx, result, errors.ErrorTypeMalformedPayload, ReasonScriptMissing, err)
	}

	points, dropped, reason, err := parseChartData(props)
	if err != nil {
		return s.fail(ctx, result, errors.ErrorTypeMalformedPayload, reason, err)
	}

	result.Points = points
	result.Dropped = dropped
	s.metrics.ObserveTvlPoints(len(points))
	s.metrics.ObserveDropped("tvl_shape", dropped)

	s.logger.InfoContext(ctx, "tvl chart scraped",
		"url", url,
		"points", len(points),
		"dropped", dropped)
	return result
}

func (s *Scraper) fetchPage(ctx context.Context, client *http.Client, url string) pageResponse {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pageResponse{err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header = browserHeaders(s.userAgent, s.acceptLanguage)

	resp, err := client.Do(req)
	if err != nil {
		return pageResponse{err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return pageResponse{status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBodySize))
	if err != nil {
		return pageResponse{status: resp.StatusCode, err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return pageResponse{status: resp.StatusCode, body: body}
}

func (s *Scraper) fail(ctx context.Context, result ScrapeResult, errorType errors.ErrorType, reason string, err error) ScrapeResult {
	d := errors.NewDiagnostic(errorType, StageScrapeTvl, reason, err)
	result.Points = []models.TvlPoint{}
	result.Diagnostic = &d

	s.logger.WarnContext(ctx, "tvl scrape failed: "+reason,
		"error_type", errorType,
		"reason", reason,
		"status", result.StatusCode,
		"error", err)
	return result
}

// ExtractNextData returns the text of the <script id="__NEXT_DATA__"> element.
func ExtractNextData(r io.Reader) ([]byte, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	script := findByID(doc, "script", NextDataScriptID)
	if script == nil {
		return nil, fmt.Errorf("no <script id=%q> element found", NextDataScriptID)
	}

	var buf bytes.Buffer
	for c := script.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			buf.WriteString(c.Data)
		}
	}
	return buf.Bytes(), nil
}

func findByID(n *html.Node, tag, id string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, tag, id); found != nil {
			return found
		}
	}
	return nil
}

// ParseChartData descends ChartDataPath in the props document and converts each
// [timestamp, value] element into a TvlPoint. Elements that are not arrays of at
// least two scalars are dropped and counted.
func ParseChartData(props []byte) ([]models.TvlPoint, int, error) {
	points, dropped, _, err := parseChartData(props)
	return points, dropped, err
}

func parseChartData(props []byte) ([]models.TvlPoint, int, string, error) {
	if !gjson.ValidBytes(props) {
		return nil, 0, ReasonJSONInvalid, fmt.Errorf("props document is not valid JSON")
	}

	chart := gjson.GetBytes(props, ChartDataPath)
	if !chart.Exists() {
		return nil, 0, ReasonPathMissing, fmt.Errorf("key path %s not found", ChartDataPath)
	}
	if !chart.IsArray() {
		return nil, 0, ReasonShapeInvalid, fmt.Errorf("%s is %s, want array", ChartDataPath, chart.Type)
	}

	elements := chart.Array()
	points := make([]models.TvlPoint, 0, len(elements))
	dropped := 0
	for _, el := range elements {
		if !el.IsArray() {
			dropped++
			continue
		}
		pair := el.Array()
		if len(pair) < 2 || !isScalar(pair[0]) || !isScalar(pair[1]) {
			dropped++
			continue
		}
		points = append(points, models.TvlPoint{
			Timestamp: scalarText(pair[0]),
			Value:     scalarText(pair[1]),
		})
	}
	return points, dropped, "", nil
}

func isScalar(r gjson.Result) bool {
	return r.Type == gjson.String || r.Type == gjson.Number
}

func scalarText(r gjson.Result) string {
	if r.Type == gjson.String {
		return strings.TrimSpace(r.Str)
	}
	return r.Raw
}
