package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/policy"
)

// GovernanceHandler exposes the curator feedback templates.
type GovernanceHandler struct {
	governance *policy.Governance
}

// NewGovernanceHandler creates a new governance handler.
func NewGovernanceHandler(governance *policy.Governance) *GovernanceHandler {
	return &GovernanceHandler{governance: governance}
}

// RevertRequest carries the optional note of a revert.
type RevertRequest struct {
	Note string `json:"note,omitempty"`
}

// HandlePreview compiles a request and reports its impact without writing.
func (h *GovernanceHandler) HandlePreview(c *gin.Context) {
	var req policy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	impact, err := h.governance.Preview(c, req)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, impact)
}

// HandleApply commits a case, runs its side effects and schedules replay.
func (h *GovernanceHandler) HandleApply(c *gin.Context) {
	var req policy.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.governance.Apply(c, req)
	if err != nil {
		log.Error().Err(err).Str("template", req.Template).Msg("Failed to apply governance case")
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// HandleRevert reverts a committed case and schedules a full replay.
func (h *GovernanceHandler) HandleRevert(c *gin.Context) {
	caseID, err := uuid.Parse(c.Param("caseId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case id"})
		return
	}

	// The note is optional and an empty body is fine.
	var req RevertRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.governance.Revert(c, caseID, req.Note)
	if err != nil {
		log.Error().Err(err).Str("case_id", caseID.String()).Msg("Failed to revert governance case")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleSummary returns an owner's active cases by template plus the
// current policy version.
func (h *GovernanceHandler) HandleSummary(c *gin.Context) {
	owner, err := uuid.Parse(c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner id"})
		return
	}

	counts, version, err := h.governance.Summary(c, owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"policy_version":    version,
		"cases_by_template": counts,
	})
}

// statusFor maps governance validation failures to 4xx and everything
// else to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, policy.ErrUnknownTemplate),
		errors.Is(err, policy.ErrMissingField),
		errors.Is(err, policy.ErrSelfMerge):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrCrossOwnerMerge),
		errors.Is(err, policy.ErrKindMismatch),
		errors.Is(err, policy.ErrNotMergeable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RegisterRoutes registers the handler's routes.
func (h *GovernanceHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/api/v1/governance/preview", h.HandlePreview)
	router.POST("/api/v1/governance/apply", h.HandleApply)
	router.POST("/api/v1/governance/:caseId/revert", h.HandleRevert)
	router.GET("/api/v1/owners/:owner/policy", h.HandleSummary)
}
