package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-realtime/internal/auth"
	"github.com/vovakirdan/wirechat-realtime/internal/config"
	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/store"
)

// NewServer builds the HTTP server: the socket endpoint plus the small REST surface.
func NewServer(hub *core.Hub, authService *auth.Service, st store.Store, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(hub, authService, st, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewHandler mounts the socket endpoint on a plain mux and everything else on gin.
// The upgrade must hijack a bare ResponseWriter, which gin's writer no longer allows.
func NewHandler(hub *core.Hub, authService *auth.Service, st store.Store, cfg *config.Config, logger *zerolog.Logger) stdhttp.Handler {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, authService, cfg, logger))
	mux.Handle("/", NewRouter(hub, authService, st, logger))
	return mux
}

// NewRouter registers the REST routes on a fresh gin engine.
func NewRouter(hub *core.Hub, authService *auth.Service, st store.Store, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	apiHandlers := NewAPIHandlers(authService, logger)
	roomHandlers := NewRoomHandlers(st, logger)
	userHandlers := NewUserHandlers(hub, st, logger)
	messageHandlers := NewMessageHandlers(hub, st, logger)

	api := router.Group("/api")
	{
		api.POST("/auth/register", apiHandlers.Register)
		api.POST("/auth/login", apiHandlers.Login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(authService, logger))
		{
			protected.POST("/rooms", roomHandlers.CreateRoom)
			protected.GET("/rooms/:id/messages", messageHandlers.ListRoomMessages)
			protected.DELETE("/messages/:id", messageHandlers.DeleteMessage)
			protected.GET("/presence/:id", userHandlers.Presence)
		}
	}

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
