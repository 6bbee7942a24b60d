package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/scenehost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/scenehost/internal/infrastructure/tracing"
)

var (
	ErrUnsupportedScheme = errors.New("unsupported source scheme")
	ErrFileNotAllowed    = errors.New("file sources are disabled")
	ErrTooLarge          = errors.New("source exceeds size limit")
	ErrNotText           = errors.New("source is not text")
)

// StatusError is a non-2xx response from a remote source.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Temporary reports whether retrying later may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Config configures a Fetcher
type Config struct {
	Timeout   time.Duration
	Retries   int
	MaxBytes  int64
	AllowFile bool
	UserAgent string
	RateLimit float64 // Remote fetches per second; zero means unlimited
}

// DefaultConfig returns fetcher defaults
func DefaultConfig() Config {
	return Config{
		Timeout:   15 * time.Second,
		Retries:   3,
		MaxBytes:  5 << 20,
		UserAgent: "scenehost/1.0",
	}
}

// Fetcher loads plugin scripts from http(s) and, optionally, file URLs.
type Fetcher struct {
	config   Config
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Set
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

// New creates a Fetcher
func New(config Config, logger *zap.Logger, metrics *monitoring.Metrics) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig().MaxBytes
	}
	logger = logger.Named("source")

	// Pooled transport from retryablehttp; resty drives the retries itself.
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil

	client := resty.New().
		SetTransport(retryClient.HTTPClient.Transport).
		SetTimeout(config.Timeout).
		SetRetryCount(config.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "application/javascript, text/javascript, text/plain;q=0.9, */*;q=0.5").
		SetDoNotParseResponse(true).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(1, int(config.RateLimit)))
	}

	breakers := resilience.NewSet(resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A missing script is the caller's problem, not the host's.
		IsSuccessful: func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return !status.Temporary()
			}
			return err == nil || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrNotText) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Source circuit changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Fetcher{
		config:   config,
		resty:    client,
		limiter:  limiter,
		breakers: breakers,
		logger:   logger,
		metrics:  metrics,
	}
}

// Fetch returns the script text at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchRemote(ctx, u)
	case "file":
		if !f.config.AllowFile {
			return "", ErrFileNotAllowed
		}
		return ReadFile(u.Path, f.config.MaxBytes)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Breakers exposes the per-host circuit states.
func (f *Fetcher) Breakers() map[string]resilience.State {
	return f.breakers.States()
}

func (f *Fetcher) fetchRemote(ctx context.Context, u *url.URL) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	target := u.String()
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	}
	code, err := resilience.Do(f.breakers.Get(u.Host), func() (string, error) {
		req := f.resty.R().SetContext(ctx)
		tracing.InjectTraceContext(ctx, req.Header)
		resp, err := req.Get(target)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", target, err)
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
			return "", &StatusError{URL: target, Code: resp.StatusCode()}
		}

		data, err := readLimited(body, f.config.MaxBytes)
		if err != nil {
			return "", err
		}
		return Decode(data, resp.Header().Get("Content-Type"), f.config.MaxBytes)
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		f.metrics.RecordFetch("rejected")
	case err != nil:
		f.metrics.RecordFetch("error")
	default:
		f.metrics.RecordFetch("ok")
	}

	if err != nil {
		f.logger.Warn("Source fetch failed", zap.String("url", target), zap.Error(err))
		return "", err
	}
	f.logger.Debug("Source fetched", zap.String("url", target), zap.Int("bytes", len(code)))
	return code, nil
}

// ReadFile reads and decodes a local script.
func ReadFile(path string, maxBytes int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	data, err := readLimited(file, maxBytes)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return Decode(data, "", maxBytes)
}

// Decode turns raw script bytes into UTF-8 text. contentType may carry a charset.
func Decode(data []byte, contentType string, maxBytes int64) (string, error) {
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("open gzip source: %w", err)
		}
		defer zr.Close()

		if data, err = readLimited(zr, maxBytes); err != nil {
			return "", err
		}
	}

	if len(data) > 0 && !isText(data) {
		return "", ErrNotText
	}

	text, err := toUTF8(data, contentType)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(text, "\ufeff"), nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func isText(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func toUTF8(data []byte, contentType string) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}

	var (
		r   io.Reader
		err error
	)
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		r, err = charset.NewReader(bytes.NewReader(data), contentType)
	} else {
		r, err = charset.NewReaderLabel(detectCharset(data), bytes.NewReader(data))
	}
	if err != nil {
		return "", fmt.Errorf("transcode source: %w", err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("transcode source: %w", err)
	}
	return string(out), nil
}

func detectCharset(data []byte) string {
	result, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil || result == nil {
		return "windows-1252"
	}
	return strings.ToLower(result.Charset)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
