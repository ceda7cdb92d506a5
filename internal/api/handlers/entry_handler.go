package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/messaging"
	"github.com/danielprocop/lifestory-graph/internal/models"
	"github.com/danielprocop/lifestory-graph/internal/services"
)

// EntryHandler ingests journal entries. With a publisher configured the
// entry goes over the bus and the worker processes it; without one it is
// processed inline.
type EntryHandler struct {
	graphService *services.GraphService
	publisher    messaging.EntryPublisher
}

// NewEntryHandler creates a new entry handler.
func NewEntryHandler(graphService *services.GraphService, publisher messaging.EntryPublisher) *EntryHandler {
	return &EntryHandler{
		graphService: graphService,
		publisher:    publisher,
	}
}

// EntryRequest is an incoming journal entry.
type EntryRequest struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    uuid.UUID  `json:"owner_id" binding:"required"`
	Text       string     `json:"text" binding:"required"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// EntryResponse reports the accepted entry.
type EntryResponse struct {
	EntryID  uuid.UUID `json:"entry_id"`
	Accepted bool      `json:"accepted"`
	Queued   bool      `json:"queued"`
}

// HandleCreateEntry accepts one journal entry.
func (h *EntryHandler) HandleCreateEntry(c *gin.Context) {
	var req EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Invalid entry request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Generate the entry id if not provided, client ids make retries
	// idempotent.
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}

	entry := &models.Entry{
		ID:         req.ID,
		OwnerID:    req.OwnerID,
		Text:       req.Text,
		OccurredAt: req.OccurredAt,
	}

	if h.publisher != nil {
		if err := h.publisher.PublishEntry(c, entry); err != nil {
			log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("Failed to publish entry")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, EntryResponse{EntryID: entry.ID, Accepted: true, Queued: true})
		return
	}

	if err := h.graphService.ProcessEntry(c, entry); err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("Failed to process entry")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, EntryResponse{EntryID: entry.ID, Accepted: true})
}

// RegisterRoutes registers the handler's routes.
func (h *EntryHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/entries", h.HandleCreateEntry)
}
