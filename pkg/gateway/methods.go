package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/kirogate/pkg/channels"
	"github.com/harun/kirogate/pkg/session"
)

// SessionView is the RPC shape of a live session.
type SessionView struct {
	Platform          string  `json:"platform"`
	ConversationID    string  `json:"conversation_id"`
	Workspace         string  `json:"workspace"`
	Pid               int     `json:"pid,omitempty"`
	Busy              bool    `json:"busy"`
	PendingPermission bool    `json:"pending_permission"`
	IdleSeconds       float64 `json:"idle_seconds"`
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.router.RegisterMethod("chat.cancel", s.handleChatCancel)
	_ = s.router.RegisterMethod("chat.subscribe", s.handleChatSubscribe)
	_ = s.router.RegisterMethod("chat.unsubscribe", s.handleChatUnsubscribe)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("gateway.clients", func(context.Context, map[string]interface{}) (interface{}, error) {
		return s.clients.GetConnectedClients(), nil
	})
}

// handleChatSend forwards a message into the conversation. The conversation
// defaults to the calling client's id, and the caller is subscribed to it.
func (s *Server) handleChatSend(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text, err := stringParam(params, "text", true)
	if err != nil {
		return nil, err
	}

	conversationID, err := s.conversationParam(ctx, params)
	if err != nil {
		return nil, err
	}

	dispatch := s.dispatchFunc()
	if dispatch == nil {
		return nil, &RPCError{Code: InternalError, Message: "gateway is not started"}
	}

	clientID := clientIDFromContext(ctx)
	if client, ok := s.clients.Get(clientID); ok {
		client.subscribe(conversationID)
	}

	sender := clientID
	if sender == "" {
		sender = "http"
	}

	err = dispatch(ctx, channels.InboundMessage{
		Platform:       Platform,
		ConversationID: conversationID,
		SenderID:       sender,
		Text:           text,
	})
	if err != nil {
		return nil, dispatchError(err)
	}

	return map[string]interface{}{
		"conversation_id": conversationID,
		"accepted":        true,
	}, nil
}

func (s *Server) handleChatCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if s.cfg.Sessions == nil {
		return nil, &RPCError{Code: InternalError, Message: "session control is not available"}
	}

	conversationID, err := s.conversationParam(ctx, params)
	if err != nil {
		return nil, err
	}

	outcome, err := s.cfg.Sessions.Cancel(ctx, Platform, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel: %w", err)
	}

	return map[string]interface{}{
		"conversation_id": conversationID,
		"cancelled":       outcome == session.CancelRequested,
	}, nil
}

func (s *Server) handleChatSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, conversationID, err := s.subscriptionTarget(ctx, params)
	if err != nil {
		return nil, err
	}
	client.subscribe(conversationID)
	return map[string]interface{}{"conversation_id": conversationID, "subscribed": true}, nil
}

func (s *Server) handleChatUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client, conversationID, err := s.subscriptionTarget(ctx, params)
	if err != nil {
		return nil, err
	}
	client.unsubscribe(conversationID)
	return map[string]interface{}{"conversation_id": conversationID, "subscribed": false}, nil
}

func (s *Server) handleSessionsList(context.Context, map[string]interface{}) (interface{}, error) {
	if s.cfg.Sessions == nil {
		return nil, &RPCError{Code: InternalError, Message: "session control is not available"}
	}

	infos := s.cfg.Sessions.List()
	views := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, SessionView{
			Platform:          info.Key.Platform,
			ConversationID:    info.Key.ConversationID,
			Workspace:         info.Workspace,
			Pid:               info.Pid,
			Busy:              info.Busy,
			PendingPermission: info.PendingPermission,
			IdleSeconds:       info.Idle.Seconds(),
		})
	}
	return views, nil
}

func (s *Server) subscriptionTarget(ctx context.Context, params map[string]interface{}) (*Client, string, error) {
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, "", &RPCError{Code: InvalidRequest, Message: "subscriptions require a websocket client"}
	}
	conversationID, err := stringParam(params, "conversation_id", true)
	if err != nil {
		return nil, "", err
	}
	return client, strings.TrimSpace(conversationID), nil
}

// conversationParam reads conversation_id, falling back to the client id.
func (s *Server) conversationParam(ctx context.Context, params map[string]interface{}) (string, error) {
	conversationID, err := stringParam(params, "conversation_id", false)
	if err != nil {
		return "", err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = clientIDFromContext(ctx)
	}
	if conversationID == "" {
		return "", invalidParams("conversation_id is required")
	}
	return conversationID, nil
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", invalidParams(key + " is required")
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParams(key + " must be a string")
	}
	if required && strings.TrimSpace(value) == "" {
		return "", invalidParams(key + " is required")
	}
	return value, nil
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: InvalidParams, Message: message}
}

func dispatchError(err error) *RPCError {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		return &RPCError{Code: ConversationBusy, Message: err.Error()}
	case errors.Is(err, session.ErrManagerStopped), errors.Is(err, session.ErrSessionClosed):
		return &RPCError{Code: ConversationRejected, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}
