// Package server exposes the upgrade-only WebSocket endpoint that tabs
// connect to, plus a small status surface for observers.
package server

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/pincerhq/pincer/config"
	"github.com/pincerhq/pincer/src/registry"
)

// Server owns the upgrade endpoint and hands accepted sockets to the
// registry.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	logger   zerolog.Logger
	upgrader websocket.FastHTTPUpgrader
}

// New creates a server for the given registry.
func New(cfg *config.Config, reg *registry.Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		reg:    reg,
		logger: logger.With().Str("component", "server").Logger(),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
	}
}

// RegisterRoutes registers the status surface via Fiber. The WebSocket
// upgrade itself uses Handler, registered at the fasthttp level since
// Fiber v3 does not expose *fasthttp.RequestCtx.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/info", s.handleInfo)
	group.Get("/tabs", s.handleTabs)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"endpoint": s.cfg.Path,
		"tabs":     s.reg.Count(),
		"pending":  s.reg.PendingCount(),
	})
}

func (s *Server) handleTabs(c fiber.Ctx) error {
	tabs := s.reg.List()
	return c.JSON(fiber.Map{
		"tabs":  tabs,
		"count": len(tabs),
	})
}

// Handler returns the raw fasthttp handler for the upgrade endpoint.
// Non-upgrade requests get 426; a configured auth token is compared
// against the "token" query parameter.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		if s.cfg.AuthToken != "" {
			token := string(ctx.QueryArgs().Peek("token"))
			if token != s.cfg.AuthToken {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString(`{"error":"unauthorized"}`)
				return
			}
		}

		connID := uuid.New().String()
		reg := s.reg

		err := s.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			tc := registry.NewTabConn(connID, &fasthttpConn{conn: conn}, reg)
			reg.Add(tc)
			go tc.WritePump()
			tc.ReadPump()
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// fasthttpConn adapts fasthttp/websocket.Conn to protocol.Conn.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *fasthttpConn) WriteMessage(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fasthttpConn) Close() error { return f.conn.Close() }
