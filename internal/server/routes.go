package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/server/api"
	slogGin "github.com/samber/slog-gin"
)

func SetupRoutes(s *Server) http.Handler {
	r := gin.New()

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	r.GET("/healthz", s.HealthHandler)

	v1 := r.Group("/api/v1")
	{
		// websocket session
		v1.GET("/replicate", s.WebsocketHandler)

		// one request per call
		v1.POST("/replicate", s.ReplicateHandler)
		v1.POST("/reconcile", s.ReconcileHandler)
	}

	r.NoRoute(func(ctx *gin.Context) {
		api.AbortWithError(ctx, http.StatusNotFound, api.CodeNotFound, fmt.Errorf("no route for %s %s", ctx.Request.Method, ctx.Request.URL.Path))
	})

	return r.Handler()
}
