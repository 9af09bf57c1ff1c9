package egress

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func startProxy(t *testing.T, cfg GuardConfig) *Proxy {
	t.Helper()
	p := NewProxy(ProxyConfig{Guard: cfg}, nil, nil)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func proxyClient(t *testing.T, base *http.Transport, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	tr := base.Clone()
	tr.Proxy = http.ProxyURL(u)
	return &http.Client{Transport: tr}
}

func TestProxy_ForwardsAllowlistedHTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Authorization") != "" {
			t.Error("proxy credentials leaked upstream")
		}
		io.WriteString(w, "ok")
	}))
	defer backend.Close()

	p := startProxy(t, GuardConfig{AllowLoopback: true})
	proxyURL, err := p.Grant("coding-1", []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	resp, err := proxyClient(t, &http.Transport{}, proxyURL).Get(backend.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
}

func TestProxy_TunnelsAllowlistedHTTPS(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer backend.Close()

	p := startProxy(t, GuardConfig{AllowLoopback: true})
	proxyURL, err := p.Grant("coding-1", []string{"127.0.0.1"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	base := backend.Client().Transport.(*http.Transport)
	resp, err := proxyClient(t, base, proxyURL).Get(backend.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "secure" {
		t.Errorf("body = %q", body)
	}
}

func TestProxy_Denials(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "should not be reached")
	}))
	defer backend.Close()

	t.Run("host not allowlisted", func(t *testing.T) {
		p := startProxy(t, GuardConfig{AllowLoopback: true})
		proxyURL, _ := p.Grant("coding-1", []string{"example.com"})
		resp, err := proxyClient(t, &http.Transport{}, proxyURL).Get(backend.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("guard blocks loopback", func(t *testing.T) {
		p := startProxy(t, GuardConfig{})
		proxyURL, _ := p.Grant("coding-1", []string{"127.0.0.1"})
		resp, err := proxyClient(t, &http.Transport{}, proxyURL).Get(backend.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", resp.StatusCode)
		}
	})

	t.Run("wrong credential", func(t *testing.T) {
		p := startProxy(t, GuardConfig{AllowLoopback: true})
		if _, err := p.Grant("coding-1", []string{"127.0.0.1"}); err != nil {
			t.Fatal(err)
		}
		bad := "http://coding-1:nope@" + p.Addr()
		resp, err := proxyClient(t, &http.Transport{}, bad).Get(backend.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusProxyAuthRequired {
			t.Errorf("status = %d, want 407", resp.StatusCode)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		p := startProxy(t, GuardConfig{AllowLoopback: true})
		proxyURL, _ := p.Grant("coding-1", []string{"127.0.0.1"})
		p.Revoke("coding-1")
		resp, err := proxyClient(t, &http.Transport{}, proxyURL).Get(backend.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusProxyAuthRequired {
			t.Errorf("status = %d, want 407", resp.StatusCode)
		}
	})
}

func TestProxy_StartRejectsNonLoopback(t *testing.T) {
	p := NewProxy(ProxyConfig{Listen: "0.0.0.0:0"}, nil, nil)
	if err := p.Start(); err == nil {
		p.Shutdown(context.Background())
		t.Fatal("expected non-loopback listen to be rejected")
	}
}
