package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// clientHelloID is the Chrome build whose ClientHello is sent. Header values that
// name a Chrome version must agree with it.
var clientHelloID = utls.HelloChrome_120

// browserTransport sends https requests over connections that handshake with a
// Chrome ClientHello, ALPN included. The protocol the server picks decides which
// transport carries the request: h2 goes through x/net/http2, anything else
// through net/http.
type browserTransport struct {
	fingerprint bool
	dialer      *net.Dialer
	rootCAs     *x509.CertPool

	h1 *http.Transport
	h2 *http2.Transport

	mu      sync.Mutex
	protos  map[string]string   // addr -> negotiated ALPN protocol
	pending map[string]net.Conn // dialed while probing ALPN, not yet handed out
}

// newBrowserTransport returns a RoundTripper for page requests. A nil rootCAs
// uses the system pool.
func newBrowserTransport(fingerprint bool, timeout time.Duration, rootCAs *x509.CertPool) *browserTransport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	t := &browserTransport{
		fingerprint: fingerprint,
		dialer:      dialer,
		rootCAs:     rootCAs,
		protos:      make(map[string]string),
		pending:     make(map[string]net.Conn),
	}
	t.h1 = &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{RootCAs: rootCAs},
	}
	if fingerprint {
		t.h1.DialTLSContext = t.dialTLS
		t.h2 = &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return t.dialTLS(ctx, network, addr)
			},
			ReadIdleTimeout: timeout,
		}
	} else {
		t.h1.Proxy = http.ProxyFromEnvironment
		t.h1.ForceAttemptHTTP2 = true
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *browserTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.fingerprint || req.URL.Scheme != "https" {
		return t.h1.RoundTrip(req)
	}

	proto, err := t.protocol(req.Context(), hostAddr(req))
	if err != nil {
		return nil, err
	}
	if proto == http2.NextProtoTLS {
		return t.h2.RoundTrip(req)
	}
	return t.h1.RoundTrip(req)
}

// protocol returns the ALPN protocol addr negotiates, dialing once to learn it.
// The probing connection is kept for the transport that ends up using it.
func (t *browserTransport) protocol(ctx context.Context, addr string) (string, error) {
	t.mu.Lock()
	proto, known := t.protos[addr]
	t.mu.Unlock()
	if known {
		return proto, nil
	}

	conn, err := t.dialChromeTLS(ctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	proto = conn.ConnectionState().NegotiatedProtocol

	t.mu.Lock()
	t.protos[addr] = proto
	if old := t.pending[addr]; old != nil {
		old.Close()
	}
	t.pending[addr] = conn
	t.mu.Unlock()
	return proto, nil
}

func (t *browserTransport) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	t.mu.Lock()
	conn := t.pending[addr]
	delete(t.pending, addr)
	t.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	return t.dialChromeTLS(ctx, network, addr)
}

func (t *browserTransport) dialChromeTLS(ctx context.Context, network, addr string) (*utls.UConn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split host port %q: %w", addr, err)
	}

	raw, err := t.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	conn := utls.UClient(raw, &utls.Config{ServerName: host, RootCAs: t.rootCAs}, clientHelloID)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
	}
	return conn, nil
}

// CloseIdleConnections closes idle connections on both transports and any
// connection dialed but never used.
func (t *browserTransport) CloseIdleConnections() {
	t.mu.Lock()
	for addr, conn := range t.pending {
		conn.Close()
		delete(t.pending, addr)
	}
	t.mu.Unlock()

	t.h1.CloseIdleConnections()
	if t.h2 != nil {
		t.h2.CloseIdleConnections()
	}
}

// hostAddr returns host:port for req, defaulting the https port.
func hostAddr(req *http.Request) string {
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(req.URL.Hostname(), port)
}

// browserHeaders are sent with every page request, mirroring a desktop Chrome navigation.
func browserHeaders(userAgent, acceptLanguage string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Not_A Brand";v="8", "Chromium";v="%s", "Google Chrome";v="%s"`,
		clientHelloID.Version, clientHelloID.Version))
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}
