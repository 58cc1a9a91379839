package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/soyeahso/tutorchat/internal/metrics"
)

// Client actions.
const (
	ActionJoinSession  = "join_session"
	ActionLeaveSession = "leave_session"
	ActionSendMessage  = "send_message"
	ActionTyping       = "typing"
	ActionStopTyping   = "stop_typing"
	ActionPresence     = "presence"
)

// Actions lists every action Dispatch accepts.
var Actions = []string{
	ActionJoinSession, ActionLeaveSession, ActionSendMessage,
	ActionTyping, ActionStopTyping, ActionPresence,
}

// JoinParams are the params of join_session.
type JoinParams struct {
	SessionID string `json:"sessionId"`
}

// SendParams are the params of send_message.
type SendParams struct {
	Content string `json:"content"`
}

// PresenceParams are the params of presence.
type PresenceParams struct {
	UserID string `json:"userId"`
}

// SendResult is returned for send_message.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// PresenceResult is returned for presence.
type PresenceResult struct {
	UserID   string `json:"userId"`
	Presence string `json:"presence"`
}

// Dispatch routes a named client action to its handler and returns the
// response payload, which may be nil.
func (r *Router) Dispatch(ctx context.Context, connID, action string, params json.RawMessage) (any, error) {
	out, err := r.dispatch(ctx, connID, action, params)
	outcome := "ok"
	switch {
	case err == nil:
	case IsProtocolError(err):
		outcome = "rejected"
	default:
		outcome = "error"
		r.log.Error().Err(err).Str("connId", connID).Str("action", action).Msg("action failed")
	}
	label := action
	if errors.Is(err, errUnknownAction) {
		label = "unknown"
	}
	metrics.ActionsTotal.WithLabelValues(label, outcome).Inc()
	return out, err
}

var errUnknownAction = protocolErr(CodeUnknownAction, "unknown action")

func (r *Router) dispatch(ctx context.Context, connID, action string, params json.RawMessage) (any, error) {
	switch action {
	case ActionJoinSession:
		var p JoinParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return nil, r.JoinSession(ctx, connID, p.SessionID)
	case ActionLeaveSession:
		return nil, r.LeaveSession(ctx, connID)
	case ActionSendMessage:
		var p SendParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		id, err := r.SendMessage(ctx, connID, p.Content)
		if err != nil {
			return nil, err
		}
		return SendResult{MessageID: id}, nil
	case ActionTyping:
		return nil, r.Typing(ctx, connID)
	case ActionStopTyping:
		return nil, r.StopTyping(ctx, connID)
	case ActionPresence:
		if _, err := r.resolve(ctx, connID); err != nil {
			return nil, err
		}
		var p PresenceParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		presence, err := r.Presence(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		return PresenceResult{UserID: p.UserID, Presence: string(presence)}, nil
	default:
		return nil, errUnknownAction
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return protocolErr(CodeInvalidParams, "malformed params")
	}
	return nil
}
