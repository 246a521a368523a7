// Package server exposes the gateway's three client-facing dialect surfaces
// over one ada-routed HTTP listener (SPEC_FULL §4.1, §6).
package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/gatewire/internal/config"
	"github.com/rakunlabs/gatewire/internal/dispatcher"
	"github.com/rakunlabs/gatewire/internal/identity"
	"github.com/rakunlabs/gatewire/internal/thoughtsig"
	"github.com/rakunlabs/gatewire/internal/trace"
)

// Server is the gateway's HTTP listener.
type Server struct {
	cfg        config.Server
	server     *ada.Server
	pool       *identity.Pool
	dispatcher *dispatcher.Dispatcher
	router     *dispatcher.ModelRouter
	schedMode  identity.Mode
	thoughtSig *thoughtsig.Store
}

// New builds the gateway server, wiring the standard middleware chain the
// same way the source stack's gateway server does (recover, server header,
// cors, request-id, access log) and registering the three dialect route
// families plus the liveness probe (SPEC_FULL §6 route table).
func New(cfg config.Server, pool *identity.Pool, disp *dispatcher.Dispatcher, router *dispatcher.ModelRouter, schedMode identity.Mode) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:        cfg,
		server:     mux,
		pool:       pool,
		dispatcher: disp,
		router:     router,
		schedMode:  schedMode,
		thoughtSig: thoughtsig.New(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity),
	}

	mux.GET("/healthz", s.Healthz)

	apiGroup := mux.Group("")
	apiGroup.Use(s.authMiddleware())

	apiGroup.POST("/v1/chat/completions", s.ChatCompletions)
	apiGroup.POST("/v1/completions", s.LegacyCompletions)
	apiGroup.POST("/v1/responses", s.Responses)
	apiGroup.POST("/v1/images/generations", s.ImagesGenerations)
	apiGroup.POST("/v1/images/edits", s.ImagesEdits)
	apiGroup.POST("/v1/images/variations", s.ImagesVariations)
	apiGroup.GET("/v1/models", s.ListOpenAIModels)

	apiGroup.POST("/v1/messages", s.Messages)
	apiGroup.POST("/v1/messages/count_tokens", s.MessagesCountTokens)

	apiGroup.POST("/v1beta/models/*", s.GeminiModelAction)
	apiGroup.GET("/v1beta/models", s.ListGeminiModels)

	return s
}

// Start begins serving on the configured port, on 127.0.0.1, or on 0.0.0.0
// when AllowLANAccess is set.
func (s *Server) Start(ctx context.Context) error {
	host := "127.0.0.1"
	if s.cfg.AllowLANAccess {
		host = "0.0.0.0"
	}
	return s.server.StartWithContext(ctx, net.JoinHostPort(host, s.cfg.Port))
}

// Healthz is the liveness probe (SPEC_FULL §10).
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]any{"status": "ok", "identities": len(s.pool.All())}, http.StatusOK)
}

// authMiddleware enforces the bearer API key, or restricts to loopback
// addresses when no key is configured and LAN access was not explicitly
// allowed (SPEC_FULL §6, §7).
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKey == "" {
				if !s.cfg.AllowLANAccess && !isLoopback(r.RemoteAddr) {
					writeOpenAIError(w, trace.NewID(), "gateway is not configured for LAN access", "invalid_request_error", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token != "" && token != auth && token == s.cfg.APIKey {
				next.ServeHTTP(w, r)
				return
			}
			// Anthropic and Gemini clients send the key via different carriers.
			if x := r.Header.Get("x-api-key"); x != "" && x == s.cfg.APIKey {
				next.ServeHTTP(w, r)
				return
			}
			if q := r.URL.Query().Get("key"); q != "" && q == s.cfg.APIKey {
				next.ServeHTTP(w, r)
				return
			}
			writeOpenAIError(w, trace.NewID(), "unauthorized", "invalid_request_error", http.StatusUnauthorized)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
