package egress

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ProxyConfig configures the egress proxy.
type ProxyConfig struct {
	// Listen is the proxy bind address. Must be loopback.
	// Defaults to "127.0.0.1:0" (random port).
	Listen string `yaml:"listen"`

	// DialTimeout bounds upstream connection setup. Defaults to 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Guard configures SSRF protection for upstream destinations.
	Guard GuardConfig `yaml:"guard"`
}

// DefaultProxyConfig returns the default proxy configuration.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Listen:      "127.0.0.1:0",
		DialTimeout: 10 * time.Second,
	}
}

// hopHeaders are stripped when forwarding plain HTTP requests.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type grant struct {
	token string
	hosts []string
}

// Proxy is a loopback HTTP proxy. Every sandbox instance with an egress
// allowlist gets its own credential; requests are only forwarded to hosts
// on that instance's allowlist and only after the SSRF guard accepts the
// resolved addresses.
type Proxy struct {
	cfg       ProxyConfig
	guard     *Guard
	logger    *slog.Logger
	transport *http.Transport

	mu     sync.RWMutex
	grants map[string]grant

	listener net.Listener
	server   *http.Server
}

// NewProxy creates a proxy. Call Start before granting access.
func NewProxy(cfg ProxyConfig, guard *Guard, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultProxyConfig()
	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if guard == nil {
		guard = NewGuard(cfg.Guard, nil, logger)
	}
	p := &Proxy{
		cfg:    cfg,
		guard:  guard,
		logger: logger.With("component", "egress_proxy"),
		grants: make(map[string]grant),
	}
	p.transport = &http.Transport{
		Proxy:                 nil,
		DialContext:           p.dial,
		MaxIdleConns:          32,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return p
}

// Start binds the listener and serves in the background.
func (p *Proxy) Start() error {
	host, _, err := net.SplitHostPort(p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("invalid proxy listen address %q: %w", p.cfg.Listen, err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("egress proxy must listen on loopback, got %q", p.cfg.Listen)
	}

	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("egress proxy error", "error", err)
		}
	}()
	p.logger.Info("egress proxy started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.transport.CloseIdleConnections()
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// Grant registers an instance allowlist and returns the proxy URL, with
// embedded credentials, the instance must use.
func (p *Proxy) Grant(instanceID string, hosts []string) (string, error) {
	if p.listener == nil {
		return "", fmt.Errorf("egress proxy not started")
	}
	if len(hosts) == 0 {
		return "", fmt.Errorf("empty egress allowlist")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating proxy credential: %w", err)
	}
	token := hex.EncodeToString(buf)

	p.mu.Lock()
	p.grants[instanceID] = grant{token: token, hosts: append([]string(nil), hosts...)}
	p.mu.Unlock()

	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(instanceID, token),
		Host:   p.Addr(),
	}
	p.logger.Debug("egress granted", "instance", instanceID, "hosts", hosts)
	return u.String(), nil
}

// Revoke removes an instance credential.
func (p *Proxy) Revoke(instanceID string) {
	p.mu.Lock()
	delete(p.grants, instanceID)
	p.mu.Unlock()
}

// ServeHTTP handles CONNECT tunnels and absolute-form HTTP requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID, g, ok := p.authenticate(r)
	if !ok {
		w.Header().Set("Proxy-Authenticate", `Basic realm="clawgate-egress"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	target := r.Host
	if r.Method != http.MethodConnect {
		if r.URL.Scheme != "http" || r.URL.Host == "" {
			http.Error(w, "only absolute http:// requests and CONNECT are supported", http.StatusBadRequest)
			return
		}
		target = r.URL.Host
	}
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}

	if !MatchHost(host, g.hosts) {
		p.logger.Warn("egress denied: host not allowlisted", "instance", instanceID, "host", host)
		http.Error(w, "destination not allowed", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r, instanceID, target)
		return
	}
	p.forward(w, r, instanceID)
}

func (p *Proxy) authenticate(r *http.Request) (string, grant, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Proxy-Authorization"), "Basic ")
	if !ok {
		return "", grant{}, false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return "", grant{}, false
	}
	id, token, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", grant{}, false
	}

	p.mu.RLock()
	g, found := p.grants[id]
	p.mu.RUnlock()
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		return "", grant{}, false
	}
	return id, g, true
}

func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, instanceID, target string) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	upstream, err := p.dial(r.Context(), "tcp", target)
	if err != nil {
		p.logger.Warn("egress tunnel failed", "instance", instanceID, "target", target, "error", err)
		http.Error(w, "destination blocked or unreachable", http.StatusForbidden)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		upstream.Close()
		return
	}
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			client.Close()
			upstream.Close()
			return
		}
	}

	p.logger.Debug("egress tunnel opened", "instance", instanceID, "target", target)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	go func() {
		io.Copy(upstream, client)
		closeBoth()
	}()
	go func() {
		io.Copy(client, upstream)
		closeBoth()
	}()
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, instanceID string) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.logger.Warn("egress request failed", "instance", instanceID, "url", r.URL.Redacted(), "error", err)
		http.Error(w, "destination blocked or unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// dial resolves the destination through the guard and connects to the
// first reachable accepted address, so a name cannot re-resolve to a
// blocked address between check and connect.
func (p *Proxy) dial(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs, err := p.guard.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(addr.Unmap().String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
