package safefetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultMaxBytes  = 10 << 20
	DefaultUserAgent = "ArtDB-ImageFetcher/1.0"
)

var (
	// ErrBlocked is returned when the URL fails the safety policy.
	ErrBlocked = errors.New("url blocked by safety policy")
	// ErrFetch classifies download failures: network errors, redirects,
	// non-2xx statuses, oversized bodies, wrong content types and bodies that
	// are not images.
	ErrFetch = errors.New("image fetch failed")
)

// ImageVerifier checks that downloaded bytes are a genuine image.
// *imagenorm.Normalizer satisfies it.
type ImageVerifier interface {
	Verify(raw []byte) error
}

// Options tunes a Fetcher. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// TLSConfig is cloned for every fetch; ServerName is always overwritten
	// with the requested hostname.
	TLSConfig *tls.Config
	Logger    zerolog.Logger
}

// Fetcher downloads images from validated, pinned endpoints.
type Fetcher struct {
	validator EndpointValidator
	verifier  ImageVerifier
	opts      Options
}

// NewFetcher constructs a Fetcher.
func NewFetcher(validator EndpointValidator, verifier ImageVerifier, opts Options) (*Fetcher, error) {
	if validator == nil {
		return nil, errors.New("validator is required")
	}
	if verifier == nil {
		return nil, errors.New("image verifier is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	return &Fetcher{validator: validator, verifier: verifier, opts: opts}, nil
}

// Fetch validates rawURL, connects to the validated address while
// authenticating TLS against the original hostname, and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ep, ok := f.validator.Validate(ctx, rawURL)
	if !ok {
		return nil, ErrBlocked
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	transport := f.pinnedTransport(ep)
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return nil, fmt.Errorf("%w: redirect %d to %q not followed", ErrFetch, resp.StatusCode, resp.Header.Get("Location"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetch, resp.StatusCode)
	}

	if resp.ContentLength > f.opts.MaxBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrFetch, resp.ContentLength, f.opts.MaxBytes)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/") {
		return nil, fmt.Errorf("%w: content type %q is not an image", ErrFetch, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetch, err)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrFetch, f.opts.MaxBytes)
	}

	if err := f.verifier.Verify(body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	f.opts.Logger.Debug().
		Str("host", ep.Hostname).
		Str("ip", ep.IP.String()).
		Int("bytes", len(body)).
		Msg("fetched image")
	return body, nil
}

// pinnedTransport dials ep.IP regardless of what the request URL resolves to.
func (f *Fetcher) pinnedTransport(ep Endpoint) *http.Transport {
	target := net.JoinHostPort(ep.IP.String(), strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: f.opts.Timeout}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if f.opts.TLSConfig != nil {
		tlsConfig = f.opts.TLSConfig.Clone()
	}
	tlsConfig.ServerName = ep.Hostname
	tlsConfig.InsecureSkipVerify = false

	return &http.Transport{
		Proxy:       nil,
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, target)
		},
		TLSClientConfig:        tlsConfig,
		TLSHandshakeTimeout:    f.opts.Timeout,
		ResponseHeaderTimeout:  f.opts.Timeout,
		DisableKeepAlives:      true,
		MaxResponseHeaderBytes: 64 << 10,
	}
}
