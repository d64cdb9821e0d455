// Package httpx is the outbound HTTP connector. Every request (and every
// redirect hop) passes an SSRF guard that refuses non-http(s) schemes and
// URLs resolving to private, loopback, or link-local addresses.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var blockedCIDRs []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8",
		"169.254.0.0/16", "0.0.0.0/8", "::1/128", "fc00::/7", "fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(err)
		}
		blockedCIDRs = append(blockedCIDRs, network)
	}
}

// SSRFError marks a request refused by the address guard.
type SSRFError struct {
	msg string
}

func (e *SSRFError) Error() string { return e.msg }

// ValidateURL checks the scheme and resolves the hostname, refusing URLs
// that land on a blocked address.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return &SSRFError{msg: fmt.Sprintf("invalid url: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &SSRFError{msg: fmt.Sprintf("url scheme not allowed: %q", parsed.Scheme)}
	}
	host := parsed.Hostname()
	if host == "" {
		return &SSRFError{msg: "url has no hostname"}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return &SSRFError{msg: fmt.Sprintf("dns resolution failed for %q: %v", host, err)}
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	for _, network := range blockedCIDRs {
		if network.Contains(ip) {
			return &SSRFError{msg: fmt.Sprintf("url resolves to blocked address: %s", ip)}
		}
	}
	return nil
}

// Result is the outcome of one request.
type Result struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Text       string            `json:"text"`
	JSON       any               `json:"json,omitempty"`
}

// Connector issues guarded HTTP requests.
type Connector struct {
	client        *http.Client
	skipSSRFCheck bool
	maxBodyBytes  int64
}

// New builds a connector. skipSSRFCheck exists for tests against local
// httptest servers only.
func New(timeout time.Duration, skipSSRFCheck bool) *Connector {
	c := &Connector{skipSSRFCheck: skipSSRFCheck, maxBodyBytes: 10 << 20}
	c.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			if !c.skipSSRFCheck {
				return ValidateURL(req.URL.String())
			}
			return nil
		},
	}
	return c
}

// Request performs one HTTP call. Query params are merged into the URL and a
// non-nil jsonBody is sent as application/json.
func (c *Connector) Request(ctx context.Context, method, rawURL string, headers map[string]string, params map[string]string, jsonBody any) (*Result, error) {
	if !c.skipSSRFCheck {
		if err := ValidateURL(rawURL); err != nil {
			return nil, err
		}
	}

	if len(params) > 0 {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := parsed.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		parsed.RawQuery = q.Encode()
		rawURL = parsed.String()
	}

	var body io.Reader
	if jsonBody != nil {
		encoded, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	text, err := io.ReadAll(io.LimitReader(res.Body, c.maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &Result{
		StatusCode: res.StatusCode,
		Headers:    map[string]string{},
		Text:       string(text),
	}
	for k := range res.Header {
		out.Headers[k] = res.Header.Get(k)
	}
	var js any
	if json.Unmarshal(text, &js) == nil {
		out.JSON = js
	}
	return out, nil
}

// TransientStatus reports whether an HTTP status is retryable.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly,
		http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
