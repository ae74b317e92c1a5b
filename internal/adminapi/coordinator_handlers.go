// Package adminapi is the Gin HTTP operational surface for a coordinator or
// data node process: health, debug state, and cluster membership admin. It
// is deliberately NOT the vector PUT/GET/DELETE/SEARCH client surface — the
// storage engine's scope explicitly excludes "HTTP/CLI front-ends as the
// primary client surface"; that data-plane API is instead the stdlib
// net/rpc service registered under the name "Coordinator"
// (coordinator.Serve). Route shape is adapted from
// ppriyankuu-godkv/internal/api/handlers.go's internal/cluster route group,
// retargeted from direct store access to coordinator-routed state.
package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"distributed-vdb/internal/coordinator"
	"distributed-vdb/internal/vdberr"
)

// CoordinatorHandler exposes a coordinator's operational state over HTTP.
type CoordinatorHandler struct {
	coord *coordinator.Coordinator
}

// NewCoordinatorHandler builds a CoordinatorHandler.
func NewCoordinatorHandler(c *coordinator.Coordinator) *CoordinatorHandler {
	return &CoordinatorHandler{coord: c}
}

// Register mounts the operational routes on r.
func (h *CoordinatorHandler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Healthz)
	r.GET("/debug/state", h.DebugState)

	cl := r.Group("/cluster")
	cl.POST("/register", h.RegisterNode)
	cl.GET("/nodes", h.ListNodes)
}

func (h *CoordinatorHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DebugState reports the live node set, for operator inspection — not part
// of the client data path.
func (h *CoordinatorHandler) DebugState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.coord.ListNodes()})
}

func statusForErr(err error) int {
	switch vdberr.Code(err) {
	case "NotFound":
		return http.StatusNotFound
	case "InvalidInput":
		return http.StatusBadRequest
	case "Unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RegisterNode handles POST /cluster/register.
// Body: {"node_id": "...", "address": "host:port"}
func (h *CoordinatorHandler) RegisterNode(c *gin.Context) {
	var body struct {
		NodeID  string `json:"node_id" binding:"required"`
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.coord.RegisterNode(body.NodeID, body.Address); err != nil {
		c.JSON(statusForErr(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"node_id": body.NodeID})
}

// ListNodes handles GET /cluster/nodes.
func (h *CoordinatorHandler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.coord.ListNodes()})
}
