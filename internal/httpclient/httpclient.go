// Package httpclient builds the outbound HTTP client used for revocation
// reconciliation, with proxy support for clients on locked-down networks.
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
)

// DefaultTimeout is the default HTTP client timeout.
const DefaultTimeout = 30 * time.Second

// ProxyConfig holds outbound proxy settings. All fields are optional; the
// zero value means direct connections.
type ProxyConfig struct {
	// HTTPProxy is the proxy URL for plain HTTP requests.
	HTTPProxy string `yaml:"http_proxy,omitempty"`
	// HTTPSProxy is the proxy URL for HTTPS requests.
	HTTPSProxy string `yaml:"https_proxy,omitempty"`
	// SOCKS5Proxy routes all traffic through a SOCKS5 proxy and takes
	// precedence over the HTTP proxies.
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	// NoProxy is a comma-separated list of hosts that bypass the proxy.
	NoProxy string `yaml:"no_proxy,omitempty"`
}

// HasProxy reports whether any proxy is configured.
func (c *ProxyConfig) HasProxy() bool {
	return c != nil && (c.HTTPProxy != "" || c.HTTPSProxy != "" || c.SOCKS5Proxy != "")
}

// New creates an HTTP client honoring the proxy configuration. A nil config
// yields a plain client.
func New(cfg *ProxyConfig, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.HasProxy() {
		if err := configureProxy(transport, cfg); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

func configureProxy(transport *http.Transport, cfg *ProxyConfig) error {
	if cfg.SOCKS5Proxy != "" {
		return configureSocks5(transport, cfg.SOCKS5Proxy)
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFor(req, cfg)
	}
	return nil
}

func configureSocks5(transport *http.Transport, socks5URL string) error {
	proxyURL, err := url.Parse(socks5URL)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	return nil
}

func proxyFor(req *http.Request, cfg *ProxyConfig) (*url.URL, error) {
	if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}

	var proxyURL string
	if req.URL.Scheme == "https" && cfg.HTTPSProxy != "" {
		proxyURL = cfg.HTTPSProxy
	} else if cfg.HTTPProxy != "" {
		proxyURL = cfg.HTTPProxy
	}
	if proxyURL == "" {
		return nil, nil
	}
	return url.Parse(proxyURL)
}

// shouldBypassProxy checks the host against the no_proxy list. Supported
// entries: "*", exact hosts, ".domain" suffixes, and bare domains which also
// match their subdomains.
func shouldBypassProxy(host, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if pattern == "*" || hostOnly == pattern {
			return true
		}
		if strings.HasPrefix(pattern, ".") && strings.HasSuffix(hostOnly, pattern) {
			return true
		}
		if strings.HasSuffix(hostOnly, "."+pattern) {
			return true
		}
	}
	return false
}
