package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/replication"
	"github.com/openmined/syftmirror/internal/server/api"
	"github.com/openmined/syftmirror/internal/transport"
	"github.com/openmined/syftmirror/internal/version"
)

func (s *Server) HealthHandler(ctx *gin.Context) {
	stats := s.target.Stats()
	ctx.PureJSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  version.Version,
		"sessions": s.SessionCount(),
		"applied":  stats.Applied,
		"failed":   stats.Failed,
		"pruned":   stats.Pruned,
	})
}

// ReplicateHandler applies a single request posted as JSON. A request the
// target refuses still answers 200, with a failure response in the body.
func (s *Server) ReplicateHandler(ctx *gin.Context) {
	var req replication.Request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	resp, replayed := s.replies.do(ctx.GetHeader(transport.HeaderRequestId), func() *replication.Response {
		return s.target.Apply(ctx.Request.Context(), &req)
	})
	if replayed {
		ctx.Header("X-Mirror-Replayed", "true")
	}
	ctx.PureJSON(http.StatusOK, resp)
}

func (s *Server) ReconcileHandler(ctx *gin.Context) {
	var m replication.Manifest
	if err := ctx.ShouldBindJSON(&m); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("decode manifest: %w", err))
		return
	}

	resp, replayed := s.replies.do(ctx.GetHeader(transport.HeaderRequestId), func() *replication.Response {
		return s.target.Reconcile(ctx.Request.Context(), &m)
	})
	if replayed {
		ctx.Header("X-Mirror-Replayed", "true")
	}
	ctx.PureJSON(http.StatusOK, resp)
}
