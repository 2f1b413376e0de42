// Package http serves the signaling socket, relay tokens, chat lookups and
// call history over gin, and provides the matching client.
package http

import (
	"context"
	"net/http"

	"github.com/dkeye/callcore/internal/adapters/signal"
	"github.com/dkeye/callcore/internal/config"
	"github.com/dkeye/callcore/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Signal    *signal.SignalWSController
	Auth      *Authenticator
	Directory core.Directory
	Tokens    core.TokenIssuer
	History   core.HistoryReader
	Sink      core.HistorySink
}

func SetupRouter(ctx context.Context, cfg config.ServerConfig, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("CallcoreSessions", store))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{
		auth:      d.Auth,
		directory: d.Directory,
		tokens:    d.Tokens,
		history:   d.History,
		sink:      d.Sink,
	}

	api := r.Group("/api")
	api.POST("/auth/login", h.login)

	authed := api.Group("", AuthMiddleware(d.Auth))
	authed.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("member", string(memberOf(c))).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})
	authed.GET("/chats", h.listChats)
	authed.GET("/chats/:id", h.getChat)
	authed.POST("/calls/token", h.issueToken)
	authed.GET("/calls/history", h.listHistory)
	authed.POST("/calls/history", h.saveHistory)

	return r
}

// NewHandler wraps the router with CORS for the configured origins.
func NewHandler(cfg config.ServerConfig, r *gin.Engine) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}
