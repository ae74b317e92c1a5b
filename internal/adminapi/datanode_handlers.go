package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"distributed-vdb/internal/datanode"
)

// DataNodeHandler exposes a data node's health and administrative triggers
// over HTTP, separate from its RPC surface used by the coordinator.
type DataNodeHandler struct {
	h *datanode.Handler
}

// NewDataNodeHandler builds a DataNodeHandler.
func NewDataNodeHandler(h *datanode.Handler) *DataNodeHandler {
	return &DataNodeHandler{h: h}
}

// Register mounts the health and admin routes on r.
func (d *DataNodeHandler) Register(r *gin.Engine) {
	r.GET("/healthz", d.Healthz)
	r.GET("/debug/state", d.DebugState)
	r.POST("/admin/rebuild", d.Rebuild)
	r.POST("/admin/snapshot", d.Snapshot)
}

func (d *DataNodeHandler) Healthz(c *gin.Context) {
	state := d.h.State()
	if state == datanode.StateShutdown {
		c.JSON(http.StatusServiceUnavailable, gin.H{"state": state.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state.String()})
}

func (d *DataNodeHandler) DebugState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id": d.h.NodeID(),
		"state":   d.h.State().String(),
	})
}

func (d *DataNodeHandler) Rebuild(c *gin.Context) {
	if err := d.h.Rebuild(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

func (d *DataNodeHandler) Snapshot(c *gin.Context) {
	if err := d.h.Snapshot(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "snapshotted"})
}
