package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
)

// hello is the first frame on a WebSocket.
type hello struct {
	Type string     `json:"type"`
	Auth Credential `json:"auth"`
}

// welcome answers a successful hello.
type welcome struct {
	Type     string   `json:"type"`
	Identity Identity `json:"identity"`
	Version  string   `json:"version"`
}

// handleWebSocket implements GET /v1/ws.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: g.cfg.CORSOrigins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	who, ok := g.handshake(ctx, conn, r)
	if !ok {
		return
	}
	g.logger.Info("websocket connected", "identity", who.Name, "peer", r.RemoteAddr)
	g.serveSocket(ctx, conn, who)
	g.logger.Info("websocket disconnected", "identity", who.Name, "peer", r.RemoteAddr)
}

func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, r *http.Request) (Identity, bool) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	reject := func(err error, reason string) (Identity, bool) {
		_ = wsjson.Write(hctx, conn, errorResponse("hello", err))
		_ = conn.Close(websocket.StatusPolicyViolation, reason)
		return Identity{}, false
	}

	_, raw, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake not received")
		return Identity{}, false
	}
	if !g.connLimits.allow(peerHost(r.RemoteAddr), time.Now()) {
		return reject(apperr.ErrRateLimited, "rate limited")
	}
	if err := validate(g.schemas.hello, raw); err != nil {
		err = authFailure("malformed hello: " + err.Error())
		g.auditAuth(ctx, Identity{}, r, err)
		return reject(err, "authentication failed")
	}
	var h hello
	if err := json.Unmarshal(raw, &h); err != nil {
		return reject(apperr.Wrap(apperr.ValidationError, err, "malformed hello"), "malformed hello")
	}

	who, err := g.auth.Authenticate(h.Auth, r)
	if err != nil {
		g.auditAuth(ctx, Identity{}, r, err)
		return reject(err, "authentication failed")
	}
	g.auditAuth(ctx, who, r, nil)

	if err := wsjson.Write(hctx, conn, welcome{Type: "welcome", Identity: who, Version: version}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake write failed")
		return Identity{}, false
	}
	return who, true
}

// serveSocket reads envelopes until the connection ends and serves each
// on its own goroutine, so a slow tool call never holds up the next
// envelope. tool.invoke is queued on the read loop itself, keeping a
// session's invocations in envelope order; only its wait runs concurrently.
// Closing the connection stops the waits; invocations already started keep
// running and stay retrievable through tool.result.
func (g *Gateway) serveSocket(ctx context.Context, conn *websocket.Conn, who Identity) {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	connLimit := g.connLimits.single()
	slots := make(chan struct{}, g.cfg.MaxInFlight)

	send := func(resp Response) {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := wsjson.Write(wctx, conn, resp); err != nil && ctx.Err() == nil {
			g.logger.Debug("websocket write failed", "identity", who.Name, "id", resp.ID, "error", err)
		}
	}

	for {
		typ, raw, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read ended", "identity", who.Name, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			send(errorResponse("", apperr.New(apperr.ValidationError, "envelopes must be text frames")))
			continue
		}

		now := time.Now()
		env, err := g.decodeEnvelope(raw)
		if err != nil {
			send(errorResponse(env.ID, err))
			continue
		}
		if !connLimit.AllowN(now, 1) || !g.identityLimits.allow(who.Name, now) {
			send(errorResponse(env.ID, apperr.ErrRateLimited))
			continue
		}

		select {
		case slots <- struct{}{}:
		default:
			send(errorResponse(env.ID, apperr.New(apperr.RateLimited, "too many requests in flight on this connection")))
			continue
		}

		if env.Op == OpToolInvoke {
			inv, wait, err := g.enqueueInvoke(ctx, who, env)
			if err != nil || !wait {
				<-slots
				send(g.respond(who, env, inv, err))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-slots }()
				done, err := g.awaitInvoke(ctx, inv)
				send(g.respond(who, env, done, err))
			}()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			send(g.dispatch(ctx, who, env))
		}()
	}
}
