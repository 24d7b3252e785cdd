// Package httpclient builds the HTTP client used by upload endpoints, with
// optional HTTP, HTTPS or SOCKS5 proxying.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/MacJediWizard/autobackup/internal/config"
)

// DefaultTimeout bounds requests made through a client built by New.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "autobackup"

// Options configures the HTTP client.
type Options struct {
	// Timeout defaults to DefaultTimeout. Negative disables the client
	// timeout so that request contexts alone bound the call.
	Timeout time.Duration
	Proxy   *config.ProxyConfig
	// UserAgent is set on requests that carry none.
	UserAgent string
}

// userAgentTransport fills in the User-Agent header.
type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(clone)
}

// New creates an HTTP client. Proxy URLs are parsed here so a bad setting
// fails at startup instead of on the first upload.
func New(opts Options) (*http.Client, error) {
	timeout := opts.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if opts.Proxy.HasProxy() {
		if err := routeThroughProxy(transport, opts.Proxy); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{next: transport, userAgent: userAgent},
	}, nil
}

// NewForUploads creates the client shared by HTTP upload endpoints. Each
// upload attempt is bounded by its own context, so the client has no timeout.
func NewForUploads(cfg *config.Config, userAgent string) (*http.Client, error) {
	opts := Options{Timeout: -1, UserAgent: userAgent}
	if cfg != nil {
		opts.Proxy = &cfg.Upload.Proxy
	}
	return New(opts)
}

// routeThroughProxy installs a SOCKS5 dialer when one is configured, and
// per-scheme HTTP proxies otherwise.
func routeThroughProxy(transport *http.Transport, cfg *config.ProxyConfig) error {
	if cfg.SOCKS5Proxy != "" {
		dial, err := socks5Dialer(cfg.SOCKS5Proxy)
		if err != nil {
			return err
		}
		transport.DialContext = dial
		return nil
	}

	r, err := newRoute(cfg)
	if err != nil {
		return err
	}
	transport.Proxy = r.proxyFor
	return nil
}

func socks5Dialer(raw string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("SOCKS5 proxy URL %q has no host", raw)
	}

	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// route picks the HTTP proxy for a request.
type route struct {
	http   *url.URL
	https  *url.URL
	bypass noProxy
}

func newRoute(cfg *config.ProxyConfig) (*route, error) {
	r := &route{bypass: parseNoProxy(cfg.NoProxy)}
	var err error
	if r.http, err = parseProxyURL(cfg.HTTPProxy); err != nil {
		return nil, err
	}
	if r.https, err = parseProxyURL(cfg.HTTPSProxy); err != nil {
		return nil, err
	}
	return r, nil
}

func parseProxyURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	return u, nil
}

// proxyFor uses the HTTPS proxy for https requests when set, and the HTTP
// proxy otherwise.
func (r *route) proxyFor(req *http.Request) (*url.URL, error) {
	if r.bypass.matches(req.URL.Host) {
		return nil, nil
	}
	if req.URL.Scheme == "https" && r.https != nil {
		return r.https, nil
	}
	return r.http, nil
}

// noProxy holds lower-cased NO_PROXY entries.
type noProxy []string

func parseNoProxy(s string) noProxy {
	var out noProxy
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matches reports whether host, with or without a port, is excluded. An
// entry matches itself and its subdomains; "*" matches everything.
func (n noProxy) matches(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, p := range n {
		if p == "*" || host == p {
			return true
		}
		suffix := p
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
