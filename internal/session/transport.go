package session

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

// impersonatedTransport dials TLS with a uTLS ClientHello instead of the
// crypto/tls default, so the JA3/JA4 surface matches a real browser.
// ALPN is pinned to http/1.1 because the wrapping http.Transport speaks
// HTTP/1.1 on connections it did not negotiate itself.
type impersonatedTransport struct {
	helloID  utls.ClientHelloID
	proxyURL *url.URL
	dialer   net.Dialer
}

// newTransport builds the http.Transport for a session. HTTPS goes through
// dialTLS (with manual CONNECT when a proxy is set); plain http uses the
// transport's own proxy support.
func newTransport(imp Impersonation, proxyURL *url.URL, timeout time.Duration) *http.Transport {
	it := &impersonatedTransport{
		helloID:  helloIDs[imp],
		proxyURL: proxyURL,
		dialer:   net.Dialer{Timeout: timeout},
	}
	return &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			// https is proxied inside dialTLS; advertising the proxy here
			// would make net/http CONNECT with its own TLS stack.
			if proxyURL != nil && req.URL.Scheme == "http" {
				return proxyURL, nil
			}
			return nil, nil
		},
		DialTLSContext:        it.dialTLS,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
}

func (t *impersonatedTransport) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := t.dialRaw(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	spec, err := utls.UTLSIdToSpec(t.helloID)
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls spec: %w", err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	uconn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := uconn.ApplyPreset(&spec); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("apply tls preset: %w", err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", host, err)
	}
	return uconn, nil
}

// dialRaw opens the TCP leg, tunneling through the HTTP proxy when set.
func (t *impersonatedTransport) dialRaw(ctx context.Context, network, addr string) (net.Conn, error) {
	if t.proxyURL == nil {
		return t.dialer.DialContext(ctx, network, addr)
	}

	proxyAddr := t.proxyURL.Host
	if t.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(t.proxyURL.Hostname(), "80")
	}
	conn, err := t.dialer.DialContext(ctx, network, proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyAddr, err)
	}

	connect := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if u := t.proxyURL.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		connect += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	connect += "\r\n"

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(connect)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect write: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect read: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy connect refused: %s", resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

// headerRoundTripper injects the identity headers on every request without
// clobbering headers the caller set explicitly.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(clone)
}
