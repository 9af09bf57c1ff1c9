package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jholhewres/clawgate/pkg/clawgate/apperr"
	"github.com/jholhewres/clawgate/pkg/clawgate/invoke"
)

// Envelope is one request.
type Envelope struct {
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers one envelope. Exactly one of Result and Error is set.
type Response struct {
	ID     string     `json:"id"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the client-visible part of an error.
type ErrorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`

	// InvocationID is set when a tool.invoke failed after the invocation
	// was registered; tool.result returns its details.
	InvocationID string `json:"invocation_id,omitempty"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type createPayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

type setProfilePayload struct {
	SessionID string `json:"session_id"`
	Tier      string `json:"tier"`
}

type invokePayload struct {
	SessionID string          `json:"session_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args,omitempty"`
	Wait      *bool           `json:"wait,omitempty"`
}

type invocationRef struct {
	SessionID    string `json:"session_id"`
	InvocationID string `json:"invocation_id"`
}

func errorResponse(id string, err error) Response {
	code, msg := apperr.Public(err)
	return Response{ID: id, Error: &ErrorBody{Code: code, Message: msg}}
}

// decodeEnvelope checks raw against the envelope schema and the payload
// schema of its op. The returned envelope carries the request id whenever
// one could be read, so rejections can still be correlated.
func (g *Gateway) decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if int64(len(raw)) > g.cfg.MaxMessageBytes {
		return env, apperr.Newf(apperr.ValidationError, "message exceeds %d bytes", g.cfg.MaxMessageBytes)
	}
	_ = json.Unmarshal(raw, &env)
	if err := validate(g.schemas.envelope, raw); err != nil {
		return env, apperr.Wrap(apperr.ValidationError, err, "malformed envelope")
	}
	payload := []byte(env.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := validate(g.schemas.payloads[env.Op], payload); err != nil {
		return env, apperr.Wrap(apperr.ValidationError, err, fmt.Sprintf("invalid payload for %s", env.Op))
	}
	env.Payload = payload
	return env, nil
}

// dispatch routes a validated envelope. ctx bounds the caller's wait only.
func (g *Gateway) dispatch(ctx context.Context, who Identity, env Envelope) Response {
	result, err := g.route(ctx, who, env)
	return g.respond(who, env, result, err)
}

func (g *Gateway) respond(who Identity, env Envelope, result any, err error) Response {
	if err != nil {
		if apperr.CodeOf(err) == apperr.Internal {
			g.logger.Error("operation failed", "op", env.Op, "id", env.ID, "identity", who.Name, "error", err)
		} else {
			g.logger.Debug("operation rejected", "op", env.Op, "id", env.ID, "identity", who.Name, "error", err)
		}
		resp := errorResponse(env.ID, err)
		if inv, ok := result.(invoke.Invocation); ok && inv.ID != "" {
			resp.Error.InvocationID = inv.ID
		}
		return resp
	}
	return Response{ID: env.ID, OK: true, Result: result}
}

func (g *Gateway) route(ctx context.Context, who Identity, env Envelope) (any, error) {
	s := g.deps.Sessions
	switch env.Op {
	case OpSessionCreate:
		var p createPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		return s.CreateOrResume(ctx, p.UserID, p.ChannelID)

	case OpSessionResume:
		var p sessionRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		return s.Resume(ctx, p.SessionID)

	case OpSessionClose:
		var p sessionRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		if err := s.Close(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]string{"session_id": p.SessionID, "status": "closed"}, nil

	case OpSessionSetProfile:
		var p setProfilePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		return s.SetTier(ctx, p.SessionID, p.Tier, who.Name)

	case OpToolInvoke:
		inv, wait, err := g.enqueueInvoke(ctx, who, env)
		if err != nil || !wait {
			return inv, err
		}
		return g.awaitInvoke(ctx, inv)

	case OpToolCancel:
		var p invocationRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		if _, err := g.deps.Invoker.Result(p.SessionID, p.InvocationID); err != nil {
			return nil, err
		}
		if err := g.deps.Invoker.Cancel(p.InvocationID); err != nil {
			return nil, err
		}
		return g.deps.Invoker.Result(p.SessionID, p.InvocationID)

	case OpToolResult:
		var p invocationRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
		}
		return g.deps.Invoker.Result(p.SessionID, p.InvocationID)
	}
	return nil, apperr.Newf(apperr.ValidationError, "unknown operation %q", env.Op)
}

// enqueueInvoke queues a tool.invoke envelope and reports whether the
// caller asked to wait for the outcome (the default). A session's
// invocations run in the order they are queued, so callers serving several
// envelopes must enqueue them in arrival order.
func (g *Gateway) enqueueInvoke(ctx context.Context, who Identity, env Envelope) (invoke.Invocation, bool, error) {
	var p invokePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return invoke.Invocation{}, false, apperr.Wrap(apperr.ValidationError, err, "invalid payload")
	}
	req := invoke.Request{SessionID: p.SessionID, Tool: p.Tool, Args: p.Args, Actor: who.Name}
	inv, err := g.deps.Invoker.Enqueue(ctx, req)
	return inv, p.Wait == nil || *p.Wait, err
}

// awaitInvoke waits up to InvokeWait for a queued invocation. If that
// elapses, or the caller goes away, the running invocation is returned and
// keeps going.
func (g *Gateway) awaitInvoke(ctx context.Context, inv invoke.Invocation) (invoke.Invocation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.InvokeWait)
	defer cancel()
	done, err := g.deps.Invoker.Wait(waitCtx, inv.ID)
	if err != nil && done.ID != "" && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return done, nil
	}
	return done, err
}
