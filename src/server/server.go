// Package server exposes the WebSocket endpoint and the operational
// status routes over a single listener.
package server

import (
	"strings"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/perpstream/feedhub/config"
	"github.com/perpstream/feedhub/src/hub"
	"github.com/perpstream/feedhub/src/service"
	"github.com/perpstream/feedhub/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server serves /ws upgrades plus the status routes.
type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	service *service.Service
	app     *fiber.App
	srv     *fasthttp.Server
	logger  zerolog.Logger
}

// New builds the server around an already-running hub.
func New(cfg *config.Config, h *hub.Hub, svc *service.Service, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		hub:     h,
		service: svc,
		app:     fiber.New(),
		logger:  logger.With().Str("component", "server").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/ws/info", s.handleInfo)
	s.app.Get("/status", s.handleStatus)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	stats := s.hub.Snapshot()
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  "/ws",
		"clients":   stats.Connections,
		"channels":  stats.Channels,
	})
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	return c.JSON(s.service.Status())
}

// Handler returns the combined fasthttp handler. The WebSocket upgrade is
// registered at the raw fasthttp level since Fiber v3 does not expose
// *fasthttp.RequestCtx.
func (s *Server) Handler() fasthttp.RequestHandler {
	appHandler := s.app.Handler()
	wsHandler := s.websocketHandler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			wsHandler(ctx)
			return
		}
		appHandler(ctx)
	}
}

func (s *Server) websocketHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		ip := ctx.RemoteIP().String()
		err := upgrader.Upgrade(ctx, func(wsc *websocket.Conn) {
			s.serveConn(wsc, ip)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("ip", ip).Msg("websocket upgrade failed")
		}
	}
}

// serveConn registers the connection and runs its pumps until it closes.
// Admission failures answer with a policy-violation close; existing
// connections are unaffected.
func (s *Server) serveConn(wsc *websocket.Conn, ip string) {
	conn := newWSConn(wsc, s.cfg.Limits.MaxMessageBytes)
	client := s.hub.NewClient(conn, ip)
	if err := s.hub.Register(client); err != nil {
		conn.WriteClose(types.ClosePolicyViolation, err.Error())
		conn.Close()
		return
	}
	go client.WritePump()
	client.ReadPump()
}

// Run listens until Shutdown is called.
func (s *Server) Run() error {
	s.srv = &fasthttp.Server{
		Handler: s.Handler(),
		Name:    "feedhub",
	}
	s.logger.Info().Str("listen", s.cfg.Server.Listen).Msg("listening")
	return s.srv.ListenAndServe(s.cfg.Server.Listen)
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
