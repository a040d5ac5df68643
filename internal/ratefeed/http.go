package ratefeed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tapcoin-ledger/internal/version"
)

// HTTPOptions parameterise the JSON quote fetcher.
type HTTPOptions struct {
	URL       string
	Field     string
	Timeout   time.Duration
	UserAgent string
}

// HTTPFetcher reads a rate from a JSON quote endpoint. Field is a dot path into
// the response document, e.g. "data.rate"; the value may be a number or a string.
type HTTPFetcher struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
	path   []string
}

// NewHTTPFetcher constructs an HTTP fetcher.
func NewHTTPFetcher(opts HTTPOptions, logger zerolog.Logger) *HTTPFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	field := strings.TrimSpace(opts.Field)
	if field == "" {
		field = "rate"
	}

	return &HTTPFetcher{
		opts:   opts,
		logger: logger.With().Str("component", "http_rate_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
		path:   strings.Split(field, "."),
	}
}

// Fetch performs one GET and extracts the rate.
func (h *HTTPFetcher) Fetch(ctx context.Context) (Quote, error) {
	if h.opts.URL == "" {
		return Quote{}, errors.New("rate endpoint url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.opts.URL, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payload)
	}

	rate, err := extractRate(payload, h.path)
	if err != nil {
		return Quote{}, err
	}
	if rate.Sign() <= 0 {
		return Quote{}, fmt.Errorf("rate endpoint returned non-positive rate %s", rate)
	}

	h.logger.Debug().Str("rate", rate.String()).Msg("rate fetched")
	return Quote{Rate: rate, Source: "http", ObservedAt: time.Now().UTC()}, nil
}

func extractRate(payload []byte, path []string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode rate response: %w", err)
	}

	cur := doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("rate field %q: %q is not an object", strings.Join(path, "."), key)
		}
		cur, ok = obj[key]
		if !ok {
			return decimal.Decimal{}, fmt.Errorf("rate field %q missing", strings.Join(path, "."))
		}
	}

	switch v := cur.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	default:
		return decimal.Decimal{}, fmt.Errorf("rate field %q has unsupported type %T", strings.Join(path, "."), cur)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error != "" {
			return fmt.Errorf("rate api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("rate api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("rate api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("rate api error (%d)", status)
}

var _ Fetcher = (*HTTPFetcher)(nil)
