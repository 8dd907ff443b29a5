package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/basket/go-fleet/internal/hub"
	"github.com/basket/go-fleet/internal/protocol"
	"github.com/basket/go-fleet/internal/shared"
)

const maxFrameBytes = 1 << 20

// handleWS upgrades the request, admits the connection into the registry and
// runs its read loop until the peer or the registry closes it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c, err := s.cfg.Registry.Accept(hub.NewWSConn(conn), r.RemoteAddr)
	if err != nil {
		// The registry already sent the close frame.
		return
	}
	defer s.cfg.Registry.Close(c.ID, hub.ReasonClient)

	ctx := shared.WithConnID(r.Context(), c.ID)
	if err := s.cfg.Router.SendTo(ctx, c.ID, protocol.MustNew(protocol.TypeNotification, map[string]string{
		"title":         "connected",
		"message":       "connection established",
		"connection_id": c.ID,
	})); err != nil {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("ws: read ended", "conn_id", c.ID, "error", err)
			}
			return
		}
		s.cfg.Registry.RecordActivity(c.ID)
		if !limiter.Allow() {
			s.cfg.Metrics.RecordRateLimitReject(ctx)
			s.reply(ctx, c.ID, protocol.Errorf("", protocol.CodeRateLimited, "message rate exceeded"))
			continue
		}
		env, err := s.validator.Parse(raw)
		if err != nil {
			s.reply(ctx, c.ID, protocol.Errorf(env.ID, protocol.CodeInvalidMessage, "%s", err))
			continue
		}
		s.handleEnvelope(ctx, c.ID, env)
	}
}

func (s *Server) reply(ctx context.Context, connID string, env protocol.Envelope) {
	if err := s.cfg.Router.SendTo(ctx, connID, env); err != nil {
		s.logger.Debug("ws: reply failed", "conn_id", connID, "type", env.Type, "error", err)
	}
}

func (s *Server) ack(ctx context.Context, connID, requestID, title, msg string) {
	s.reply(ctx, connID, protocol.MustNew(protocol.TypeNotification, map[string]string{
		"title":      title,
		"message":    msg,
		"request_id": requestID,
	}))
}

func (s *Server) handleEnvelope(ctx context.Context, connID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		s.reply(ctx, connID, protocol.Pong(env.ID))
	case protocol.TypePong:
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		var d protocol.SubscribeData
		if err := env.Decode(&d); err != nil {
			s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeInvalidMessage, "%s", err))
			return
		}
		if env.Type == protocol.TypeSubscribe {
			s.cfg.Router.Subscribe(connID, d.Topic)
			s.ack(ctx, connID, env.ID, "subscribed", d.Topic)
		} else {
			s.cfg.Router.Unsubscribe(connID, d.Topic)
			s.ack(ctx, connID, env.ID, "unsubscribed", d.Topic)
		}
	case protocol.TypeAgentStatus:
		var d protocol.AgentStatusData
		if err := env.Decode(&d); err != nil {
			s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeInvalidMessage, "%s", err))
			return
		}
		if err := s.cfg.Registry.Bind(connID, d.Agent); err != nil {
			s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeCommandFailed, "%s", err))
			return
		}
		s.ack(ctx, connID, env.ID, "agent_bound", d.Agent)
	case protocol.TypeCommand:
		s.handleCommand(ctx, connID, env)
	case protocol.TypeTradeUpdate:
		s.cfg.Router.Publish(ctx, protocol.TopicTradeUpdates, env)
	case protocol.TypeNotification:
		s.cfg.Router.Publish(ctx, protocol.TopicNotifications, env)
	default:
		s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeInvalidMessage, "%s messages are server-only", env.Type))
	}
}

func (s *Server) handleCommand(ctx context.Context, connID string, env protocol.Envelope) {
	var d protocol.CommandData
	if err := env.Decode(&d); err != nil {
		s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeInvalidMessage, "%s", err))
		return
	}
	res, err := s.runCommand(ctx, d.Command, d.Args)
	if err != nil {
		code, _ := classify(err)
		s.logger.Info("ws: command failed", "conn_id", connID, "command", d.Command, "error", err)
		s.reply(ctx, connID, protocol.Errorf(env.ID, code, "%s", err))
		return
	}
	out, err := protocol.New(protocol.TypeNotification, protocol.CommandResult{
		Command:   d.Command,
		RequestID: env.ID,
		Result:    res,
	})
	if err != nil {
		s.reply(ctx, connID, protocol.Errorf(env.ID, protocol.CodeCommandFailed, "%s", err))
		return
	}
	s.reply(ctx, connID, out)
}
