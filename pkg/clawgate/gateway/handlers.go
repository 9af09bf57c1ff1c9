package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
)

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeJSON(w, http.StatusMethodNotAllowed, errorResponse("", apperr.New(apperr.ValidationError, "method not allowed")))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	body := map[string]any{
		"version":     version,
		"uptime":      uptime,
		"sessions":    g.deps.Sessions.Count(),
		"invocations": g.deps.Invoker.Stats(),
	}
	if g.deps.Pool != nil {
		body["pool"] = g.deps.Pool.Stats()
	}
	if seq, sum, err := g.deps.Audit.Head(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		body["audit"] = map[string]any{"healthy": false}
	} else {
		body["audit"] = map[string]any{"healthy": true, "seq": seq, "checksum": hex.EncodeToString(sum)}
	}
	if g.deps.DB != nil {
		db := g.deps.DB.Status(ctx)
		if !db.Healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		body["database"] = db
	}
	body["status"] = status
	g.writeJSON(w, code, body)
}

// handleRPC implements POST /v1/rpc: one envelope per request, credentials
// in headers.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeJSON(w, http.StatusMethodNotAllowed, errorResponse("", apperr.New(apperr.ValidationError, "method not allowed")))
		return
	}
	now := time.Now()
	if !g.connLimits.allow(peerHost(r.RemoteAddr), now) {
		g.writeJSON(w, http.StatusTooManyRequests, errorResponse("", apperr.ErrRateLimited))
		return
	}

	who, err := g.auth.Authenticate(g.auth.credentialFromRequest(r), r)
	if err != nil {
		g.auditAuth(r.Context(), Identity{}, r, err)
		g.writeJSON(w, http.StatusUnauthorized, errorResponse("", err))
		return
	}
	if !g.identityLimits.allow(who.Name, now) {
		g.writeJSON(w, http.StatusTooManyRequests, errorResponse("", apperr.ErrRateLimited))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxMessageBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			g.writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse("", apperr.Newf(apperr.ValidationError, "message exceeds %d bytes", g.cfg.MaxMessageBytes)))
			return
		}
		g.writeJSON(w, http.StatusBadRequest, errorResponse("", apperr.New(apperr.ValidationError, "failed to read body")))
		return
	}

	env, err := g.decodeEnvelope(raw)
	if err != nil {
		g.writeJSON(w, http.StatusBadRequest, errorResponse(env.ID, err))
		return
	}
	g.writeJSON(w, http.StatusOK, g.dispatch(r.Context(), who, env))
}

// auditAuth records an auth event. A failed write is logged; it never
// changes the outcome of the attempt.
func (g *Gateway) auditAuth(ctx context.Context, who Identity, r *http.Request, authErr error) {
	rec := audit.Record{
		Kind:     audit.KindAuth,
		Actor:    who.Name,
		Decision: audit.DecisionAllow,
		Reason:   "auth." + who.Mode,
	}
	if authErr != nil {
		rec.Actor = "peer:" + peerHost(r.RemoteAddr)
		rec.Decision = audit.DecisionDeny
		rec.Code = string(apperr.AuthError)
		rec.Reason = failureReason(authErr)
	}
	if _, err := g.deps.Audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Error("auth audit failed", "actor", rec.Actor, "error", err)
	}
	if authErr != nil {
		g.logger.Warn("authentication failed", "peer", r.RemoteAddr, "path", r.URL.Path, "reason", rec.Reason)
	}
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
