// internal/browser/http.go
package browser

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/valpere/crawlguard/internal/antidetect"
)

// HTTPNavigator fetches pages with net/http through the session proxy.
type HTTPNavigator struct {
	config Config
	pacer  *antidetect.Pacer
}

// NewHTTPNavigator creates an HTTP navigator. pacer may be nil.
func NewHTTPNavigator(config Config, pacer *antidetect.Pacer) *HTTPNavigator {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	return &HTTPNavigator{config: config, pacer: pacer}
}

func (n *HTTPNavigator) Name() string { return "http" }

// Open builds a client with its own cookie jar and connection pool so
// sessions never share identity state.
func (n *HTTPNavigator) Open(ctx context.Context, id Identity) (Handle, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if id.Proxy != nil {
		transport.Proxy = http.ProxyURL(id.Proxy)
	}

	return &httpHandle{
		navigator: n,
		identity:  id,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

type httpHandle struct {
	navigator *HTTPNavigator
	identity  Identity
	transport *http.Transport
	client    *http.Client
}

func (h *httpHandle) Navigate(ctx context.Context, target string) Page {
	cfg := h.navigator.config
	return attempt(ctx, h.identity.Site, target, cfg, h.navigator.pacer, func(ctx context.Context) (int, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return 0, "", err
		}
		req.Header = antidetect.Headers(h.identity.Fingerprint, target)

		resp, err := h.client.Do(req)
		if err != nil {
			return 0, "", err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBodyBytes))
		if err != nil {
			return resp.StatusCode, "", fmt.Errorf("failed to read body: %w", err)
		}
		return resp.StatusCode, string(data), nil
	})
}

func (h *httpHandle) Close() error {
	h.transport.CloseIdleConnections()
	return nil
}
