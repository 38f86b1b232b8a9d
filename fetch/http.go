// Package fetch is the network transport used to download modules.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultRequestTimeout = 30 * time.Second
)

var ErrHostNotAllowed = errors.New("host not allowed")

// StatusError reports a non-2xx response. Its message is the bare status
// code, e.g. "404".
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return strconv.Itoa(e.Code)
}

type Config struct {
	// AllowedHosts restricts the hosts that may be fetched. A host matches
	// an entry exactly or as a subdomain of it. Empty allows every host.
	AllowedHosts   []string
	MaxURLLength   int
	RequestTimeout time.Duration
	Header         http.Header
	// Client overrides the HTTP client. RequestTimeout is ignored when set.
	Client *http.Client
}

type HTTP struct {
	cfg    Config
	client *http.Client
}

func NewHTTP(cfg Config) *HTTP {
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: cfg.RequestTimeout,
		}
	}

	return &HTTP{
		cfg:    cfg,
		client: client,
	}
}

// Fetch issues a GET for rawURL and returns the response body once the
// status line has been received. The caller must close the body.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https")
	}

	host := parsed.Hostname()
	if !h.isHostAllowed(host) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/wasm")
	for k, vs := range h.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	return resp.Body, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	if len(h.cfg.AllowedHosts) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
