package http

import (
	"context"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/auth"
	"github.com/vovakirdan/wirechat-realtime/internal/config"
	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
)

const errCodeUnsupportedVersion = "unsupported_version"

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub  *core.Hub
	auth *auth.Service
	cfg  *config.Config
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hub: hub, auth: authService, cfg: cfg, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	identity, perr := h.handshake(ctx, conn, r)
	if perr != nil {
		h.log.Debug().Str("code", perr.Code).Str("reason", perr.Msg).Msg("ws handshake rejected")
		_ = wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: perr})
		conn.Close(websocket.StatusPolicyViolation, perr.Code)
		return
	}

	client := core.NewClient(uuid.NewString(), identity.UserID, identity.Username)
	log := h.log.With().Str("client_id", client.ID).Int64("user_id", client.UserID).Logger()

	h.hub.RegisterClient(client)
	defer h.hub.UnregisterClient(client)
	log.Debug().Msg("ws client registered")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// handshake resolves the connection to an identity. The token comes from the query,
// the Authorization header or a hello frame sent within the handshake timeout.
func (h *WSHandler) handshake(ctx context.Context, conn *websocket.Conn, r *stdhttp.Request) (auth.Identity, *proto.Error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r.Header.Get("Authorization"))
	}

	if token == "" {
		hctx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
		defer cancel()

		var inbound proto.Inbound
		if err := wsjson.Read(hctx, conn, &inbound); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(hctx.Err(), context.DeadlineExceeded) {
				return auth.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "handshake timed out"}
			}
			return auth.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "handshake failed"}
		}
		if inbound.Type != proto.InboundTypeHello {
			return auth.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "hello expected"}
		}
		hello, perr := decode[proto.HelloData](inbound.Data)
		if perr != nil {
			return auth.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: perr.Msg}
		}
		if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
			return auth.Identity{}, &proto.Error{Code: errCodeUnsupportedVersion, Msg: "unsupported protocol version"}
		}
		token = hello.Token
	}

	identity, err := h.auth.Authenticate(token)
	if err != nil {
		return auth.Identity{}, &proto.Error{Code: core.ErrCodeUnauthorized, Msg: "invalid token"}
	}
	return identity, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	limiter := newRateLimiter(h.cfg.RateLimitPerMinute)
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			log.Debug().Err(err).Msg("read ws inbound")
			return err
		}

		if !limiter.allow() {
			if err := h.writeError(ctx, conn, &proto.Error{Code: core.ErrCodeRateLimited, Msg: "too many messages"}); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			log.Debug().Str("type", inbound.Type).Str("code", protoErr.Code).Msg("rejected inbound")
			if err := h.writeError(ctx, conn, protoErr); err != nil {
				return err
			}
			continue
		}

		select {
		case client.Commands <- cmd:
		case <-client.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	for {
		select {
		case event := <-client.Events:
			out, err := outboundFromEvent(event)
			if err != nil {
				log.Error().Err(err).Msg("encode ws event")
				continue
			}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				log.Error().Err(err).Msg("write ws event")
				return err
			}
		case <-client.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, perr *proto.Error) error {
	return wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: perr})
}
