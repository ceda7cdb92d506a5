package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/services"
)

// NodeHandler serves the graph read model.
type NodeHandler struct {
	graphService *services.GraphService
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(graphService *services.GraphService) *NodeHandler {
	return &NodeHandler{graphService: graphService}
}

// HandleSearchNodes searches an owner's graph nodes by free text.
func (h *NodeHandler) HandleSearchNodes(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}

	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	nodes, err := h.graphService.SearchNodes(c, owner, q, limit)
	if err != nil {
		log.Error().Err(err).Str("owner_id", owner.String()).Msg("Failed to search nodes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

// HandleGetNodeView returns the full view of one node.
func (h *NodeHandler) HandleGetNodeView(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return
	}

	view, err := h.graphService.GetNodeView(c, owner, id)
	if err != nil {
		log.Error().Err(err).Str("node_id", id.String()).Msg("Failed to load node view")
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

// RegisterRoutes registers the handler's routes.
func (h *NodeHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/v1/owners/:owner/nodes", h.HandleSearchNodes)
	router.GET("/api/v1/owners/:owner/nodes/:id", h.HandleGetNodeView)
}
