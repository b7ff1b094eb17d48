package safefetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"artdb/pkg/imagenorm"
	"artdb/pkg/imagenorm/imagenormtest"
)

// pinnedValidator approves every URL and pins it to the test server.
type pinnedValidator struct {
	ep    Endpoint
	calls atomic.Int32
	deny  bool
}

func (p *pinnedValidator) Validate(context.Context, string) (Endpoint, bool) {
	p.calls.Add(1)
	if p.deny {
		return Endpoint{}, false
	}
	return p.ep, true
}

func newPinnedServer(t *testing.T, handler http.Handler) (*httptest.Server, *tls.Config, Endpoint) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())

	addrPort := netip.MustParseAddrPort(strings.TrimPrefix(srv.URL, "https://"))
	return srv, &tls.Config{RootCAs: pool}, Endpoint{
		Hostname: "example.com",
		IP:       addrPort.Addr(),
		Port:     int(addrPort.Port()),
	}
}

func newTestFetcher(t *testing.T, v EndpointValidator, tlsConfig *tls.Config, maxBytes int64) *Fetcher {
	t.Helper()
	f, err := NewFetcher(v, imagenorm.New(), Options{
		Timeout:   5 * time.Second,
		MaxBytes:  maxBytes,
		TLSConfig: tlsConfig,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func TestFetchPinsAddressAndKeepsHostname(t *testing.T) {
	img := imagenormtest.PNG(t, 16, 16, 5, false)

	var gotHost, gotUA, gotAccept, gotSNI string
	_, tlsConfig, ep := newPinnedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotSNI = r.TLS.ServerName
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))

	v := &pinnedValidator{ep: ep}
	f := newTestFetcher(t, v, tlsConfig, 0)

	// The URL names port 443; the request must still land on the pinned port.
	body, err := f.Fetch(context.Background(), "https://example.com/art.png")
	require.NoError(t, err)
	require.Equal(t, img, body)
	require.Equal(t, int32(1), v.calls.Load())
	require.Equal(t, "example.com", gotHost)
	require.Equal(t, "example.com", gotSNI)
	require.Equal(t, DefaultUserAgent, gotUA)
	require.Equal(t, "image/*", gotAccept)
}

func TestFetchValidatesEveryCall(t *testing.T) {
	img := imagenormtest.PNG(t, 4, 4, 5, false)
	_, tlsConfig, ep := newPinnedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))

	v := &pinnedValidator{ep: ep}
	f := newTestFetcher(t, v, tlsConfig, 0)
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), "https://example.com/art.png")
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), v.calls.Load())
}

func TestFetchBlocked(t *testing.T) {
	var hits atomic.Int32
	_, tlsConfig, ep := newPinnedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	f := newTestFetcher(t, &pinnedValidator{ep: ep, deny: true}, tlsConfig, 0)
	_, err := f.Fetch(context.Background(), "https://example.com/art.png")
	require.ErrorIs(t, err, ErrBlocked)
	require.Zero(t, hits.Load())
}

func TestFetchFailures(t *testing.T) {
	img := imagenormtest.PNG(t, 16, 16, 5, false)

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		maxBytes int64
		isImage  bool
	}{
		{
			name: "redirect not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/internal.png" {
					t.Errorf("redirect target must not be requested")
				}
				http.Redirect(w, r, "https://example.com/internal.png", http.StatusFound)
			},
		},
		{
			name: "permanent redirect not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "https://169.254.169.254/latest", http.StatusMovedPermanently)
			},
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name: "wrong content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write(img)
			},
		},
		{
			name: "missing content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header()["Content-Type"] = nil
				_, _ = w.Write([]byte{0, 1, 2, 3})
			},
		},
		{
			name:     "declared length over cap",
			maxBytes: 64,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				w.Header().Set("Content-Length", strconv.Itoa(len(img)))
				_, _ = w.Write(img)
			},
		},
		{
			name:     "streamed body over cap",
			maxBytes: 64,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				flusher := w.(http.Flusher)
				for i := 0; i < len(img); i += 32 {
					end := min(i+32, len(img))
					_, _ = w.Write(img[i:end])
					flusher.Flush()
				}
			},
		},
		{
			name:    "not an image",
			isImage: true,
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write([]byte("<html>definitely not a png</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tlsConfig, ep := newPinnedServer(t, tt.handler)
			f := newTestFetcher(t, &pinnedValidator{ep: ep}, tlsConfig, tt.maxBytes)

			_, err := f.Fetch(context.Background(), "https://example.com/art.png")
			require.ErrorIs(t, err, ErrFetch)
			require.NotErrorIs(t, err, ErrBlocked)
			if tt.isImage {
				require.ErrorIs(t, err, imagenorm.ErrImage)
			}
		})
	}
}

func TestFetchVerifiesCertificateAgainstHostname(t *testing.T) {
	img := imagenormtest.PNG(t, 4, 4, 5, false)
	_, tlsConfig, ep := newPinnedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(img)
	}))

	// Same pinned address, but the certificate is not valid for this name.
	ep.Hostname = "attacker.invalid"
	f := newTestFetcher(t, &pinnedValidator{ep: ep}, tlsConfig, 0)

	_, err := f.Fetch(context.Background(), "https://attacker.invalid/art.png")
	require.ErrorIs(t, err, ErrFetch)
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	_, tlsConfig, ep := newPinnedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() { close(release) })

	f, err := NewFetcher(&pinnedValidator{ep: ep}, imagenorm.New(), Options{
		Timeout:   200 * time.Millisecond,
		TLSConfig: tlsConfig,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = f.Fetch(context.Background(), "https://example.com/art.png")
	require.ErrorIs(t, err, ErrFetch)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestNewFetcherRequiresDependencies(t *testing.T) {
	_, err := NewFetcher(nil, imagenorm.New(), Options{})
	require.Error(t, err)
	_, err = NewFetcher(&pinnedValidator{}, nil, Options{})
	require.Error(t, err)
}
