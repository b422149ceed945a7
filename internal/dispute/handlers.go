package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the dispute lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes", h.ListMine)
	r.GET("/disputes/:id", h.Get)
	r.GET("/disputes/:id/timeline", h.Timeline)
	r.POST("/disputes/:id/respond", h.RespondentRespond)
	r.POST("/disputes/:id/decision-response", h.RespondToAdminDecision)
	r.POST("/disputes/:id/negotiation/proposals", h.ProposeAgreement)
	r.POST("/disputes/:id/negotiation/respond", h.RespondToAgreement)
	r.POST("/disputes/:id/negotiation/owner-final", h.SubmitOwnerFinalDecision)
	r.POST("/disputes/:id/negotiation/owner-final/respond", h.RespondToOwnerDecision)
	r.POST("/disputes/:id/third-party-evidence", h.UploadThirdPartyEvidence)
}

// RegisterAdminRoutes sets up admin-only dispute routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListAll)
	r.POST("/disputes/:id/admin-review", h.AdminReview)
	r.POST("/disputes/:id/negotiation/confirm", h.ConfirmOwnerAgreement)
	r.POST("/disputes/:id/escalate", h.EscalateToThirdParty)
	r.POST("/disputes/:id/share-shipper-info", h.ShareShipperInfo)
	r.POST("/disputes/:id/third-party-evidence/reject", h.RejectThirdPartyEvidence)
	r.POST("/disputes/:id/final-decision", h.AdminFinalDecision)
	r.POST("/disputes/:id/priority", h.SetPriority)
}

// actorFrom builds the acting identity from the auth middleware context.
func actorFrom(c *gin.Context) Actor {
	a := Actor{ID: c.GetString("authUserID"), Role: RoleUser}
	if c.GetString("authRole") == string(RoleAdmin) {
		a.Role = RoleAdmin
	}
	return a
}

// writeError maps a service error to an HTTP response. Every error in the
// taxonomy is caller-recoverable; a rejected operation left state untouched.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ErrAlreadyResponded):
		status, code = http.StatusConflict, "already_responded"
	case errors.Is(err, ErrLineItemDisputed):
		status, code = http.StatusConflict, "line_item_disputed"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "concurrent_update"
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.Create(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.GetForActor(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Timeline handles GET /v1/disputes/:id/timeline
func (h *Handler) Timeline(c *gin.Context) {
	entries, err := h.service.Timeline(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": entries, "count": len(entries)})
}

// ListMine handles GET /v1/disputes
func (h *Handler) ListMine(c *gin.Context) {
	f := Filter{
		Status:   Status(c.Query("status")),
		Category: Category(c.Query("category")),
		Party:    actorFrom(c).ID,
		Limit:    parseLimit(c.Query("limit"), 50, 200),
	}
	disputes, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// ListAll handles GET /v1/admin/disputes
func (h *Handler) ListAll(c *gin.Context) {
	f := Filter{
		Status:   Status(c.Query("status")),
		Category: Category(c.Query("category")),
		Party:    c.Query("party"),
		Limit:    parseLimit(c.Query("limit"), 50, 500),
	}
	disputes, err := h.service.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// RespondentRespond handles POST /v1/disputes/:id/respond
func (h *Handler) RespondentRespond(c *gin.Context) {
	var req RespondentResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.RespondentRespond(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AdminReview handles POST /v1/admin/disputes/:id/admin-review
func (h *Handler) AdminReview(c *gin.Context) {
	var req AdminReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.AdminReview(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type acceptRequest struct {
	Accepted *bool `json:"accepted" binding:"required"`
}

// RespondToAdminDecision handles POST /v1/disputes/:id/decision-response
func (h *Handler) RespondToAdminDecision(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: accepted is required"})
		return
	}

	d, err := h.service.RespondToAdminDecision(c.Request.Context(), c.Param("id"), actorFrom(c), *req.Accepted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ProposeAgreement handles POST /v1/disputes/:id/negotiation/proposals
func (h *Handler) ProposeAgreement(c *gin.Context) {
	var req ProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.ProposeAgreement(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// RespondToAgreement handles POST /v1/disputes/:id/negotiation/respond
func (h *Handler) RespondToAgreement(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: accepted is required"})
		return
	}

	d, err := h.service.RespondToAgreement(c.Request.Context(), c.Param("id"), actorFrom(c), *req.Accepted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// SubmitOwnerFinalDecision handles POST /v1/disputes/:id/negotiation/owner-final
func (h *Handler) SubmitOwnerFinalDecision(c *gin.Context) {
	var req OwnerFinalOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.SubmitOwnerFinalDecision(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// RespondToOwnerDecision handles POST /v1/disputes/:id/negotiation/owner-final/respond
func (h *Handler) RespondToOwnerDecision(c *gin.Context) {
	var req acceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: accepted is required"})
		return
	}

	d, err := h.service.RespondToOwnerDecision(c.Request.Context(), c.Param("id"), actorFrom(c), *req.Accepted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ConfirmOwnerAgreement handles POST /v1/admin/disputes/:id/negotiation/confirm
func (h *Handler) ConfirmOwnerAgreement(c *gin.Context) {
	d, err := h.service.ConfirmOwnerAgreement(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// EscalateToThirdParty handles POST /v1/admin/disputes/:id/escalate
func (h *Handler) EscalateToThirdParty(c *gin.Context) {
	var req EscalateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: arbitratorContact is required"})
		return
	}

	d, err := h.service.EscalateToThirdParty(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ShareShipperInfo handles POST /v1/admin/disputes/:id/share-shipper-info
func (h *Handler) ShareShipperInfo(c *gin.Context) {
	d, err := h.service.ShareShipperInfo(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// UploadThirdPartyEvidence handles POST /v1/disputes/:id/third-party-evidence
func (h *Handler) UploadThirdPartyEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	d, err := h.service.UploadThirdPartyEvidence(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type rejectEvidenceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RejectThirdPartyEvidence handles POST /v1/admin/disputes/:id/third-party-evidence/reject
func (h *Handler) RejectThirdPartyEvidence(c *gin.Context) {
	var req rejectEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: reason is required"})
		return
	}

	d, err := h.service.RejectThirdPartyEvidence(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AdminFinalDecision handles POST /v1/admin/disputes/:id/final-decision
func (h *Handler) AdminFinalDecision(c *gin.Context) {
	var req FinalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: ruling is required"})
		return
	}

	d, err := h.service.AdminFinalDecision(c.Request.Context(), c.Param("id"), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type priorityRequest struct {
	Priority Priority `json:"priority" binding:"required"`
}

// SetPriority handles POST /v1/admin/disputes/:id/priority
func (h *Handler) SetPriority(c *gin.Context) {
	var req priorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body: priority is required"})
		return
	}

	d, err := h.service.SetPriority(c.Request.Context(), c.Param("id"), actorFrom(c), req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func parseLimit(s string, defaultVal, maxVal int) int {
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	if n > maxVal {
		return maxVal
	}
	return n
}
