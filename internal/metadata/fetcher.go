package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxRetries   = 2
	maxRecordBytes      = 1 << 20
)

var (
	// ErrUnavailable covers every way a metadata record can fail to load:
	// unreachable gateway, non-success status, oversized or malformed body.
	// Callers treat it as "metadata unavailable" and continue with ledger
	// data only.
	ErrUnavailable = errors.New("metadata: record unavailable")

	ErrInvalidFetcherConfig = errors.New("metadata: invalid fetcher config")

	errMissingGateway = errors.New("gateway url is required")
	errEmptyPointer   = errors.New("pointer must not be empty")
)

// FetcherConfig bundles configuration for a Fetcher.
type FetcherConfig struct {
	// GatewayURL is the content gateway base used to resolve bare CIDs and
	// ipfs:// pointers, e.g. "https://gateway.pinata.cloud/ipfs/".
	GatewayURL string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries uint64
	Logger     *zap.Logger
}

// Fetcher loads metadata records by pointer from a content gateway.
type Fetcher struct {
	gateway    string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries uint64
	logger     *zap.Logger
}

// NewFetcher constructs a fetcher with validated configuration.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	gateway := strings.TrimSpace(cfg.GatewayURL)
	if gateway == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFetcherConfig, errMissingGateway)
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		gateway:    gateway,
		httpClient: httpClient,
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
	}, nil
}

// ResolveURL maps a pointer to a fetchable URL. Absolute http(s) URLs pass
// through; ipfs:// pointers and bare CIDs resolve against the gateway.
func (f *Fetcher) ResolveURL(pointer string) string {
	trimmed := strings.TrimSpace(pointer)
	switch {
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		return trimmed
	case strings.HasPrefix(trimmed, "ipfs://"):
		return f.gateway + strings.TrimPrefix(trimmed, "ipfs://")
	default:
		return f.gateway + url.PathEscape(trimmed)
	}
}

// Fetch retrieves and parses the metadata record at pointer. Transient
// transport failures and 5xx responses are retried with exponential
// backoff; any terminal failure is reported as ErrUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, pointer string) (Record, error) {
	if strings.TrimSpace(pointer) == "" {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, errEmptyPointer)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := f.ResolveURL(pointer)
	backoff := retry.WithMaxRetries(f.maxRetries, retry.NewExponential(200*time.Millisecond))

	var record Record
	err := retry.Do(fetchCtx, backoff, func(ctx context.Context) error {
		fetched, err := f.fetchOnce(ctx, target)
		if err != nil {
			return err
		}
		record = fetched
		return nil
	})
	if err != nil {
		f.logger.Debug("metadata fetch failed",
			zap.String("pointer", pointer),
			zap.Error(err))
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return record, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Accept", "application/json")

	response, err := f.httpClient.Do(req)
	if err != nil {
		return Record{}, retry.RetryableError(err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode >= http.StatusInternalServerError:
		return Record{}, retry.RetryableError(fmt.Errorf("gateway returned status %d", response.StatusCode))
	default:
		return Record{}, fmt.Errorf("gateway returned status %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxRecordBytes))
	if err != nil {
		return Record{}, retry.RetryableError(err)
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}
