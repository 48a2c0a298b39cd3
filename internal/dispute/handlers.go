package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	workflow *Workflow
}

// NewHandler creates a new dispute handler.
func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

// RegisterRoutes sets up dispute routes. All of them need a viewer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.List)
	r.GET("/disputes/candidates", h.Candidates)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes", h.Create)
	r.POST("/disputes/:id/cancel", h.Cancel)
}

// List handles GET /v1/disputes?status=&order_id=
func (h *Handler) List(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	filter := api.DisputeFilter{
		Status:  order.DisputeStatus(c.Query("status")),
		OrderID: c.Query("order_id"),
	}
	disputes, err := h.workflow.Viewable(c.Request.Context(), v, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// Candidates handles GET /v1/disputes/candidates
func (h *Handler) Candidates(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	orders, err := h.workflow.Candidates(c.Request.Context(), v)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	d, err := h.workflow.Get(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.workflow.Create(c.Request.Context(), v, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Cancel handles POST /v1/disputes/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	d, err := h.workflow.Cancel(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func writeError(c *gin.Context, err error) {
	var ve validation.ValidationErrors
	var ile *IdentityLinkError

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"details": ve,
		})
	case errors.As(err, &ile):
		body := gin.H{
			"error":   "identity_not_linked",
			"message": "Link an external account to open a dispute.",
		}
		if ile.LinkURL != "" {
			body["link_url"] = ile.LinkURL
		}
		c.JSON(http.StatusForbidden, body)
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrDisputeExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_exists",
			"message": "A dispute already exists for this order.",
		})
	case errors.Is(err, ErrNotInEscrow), errors.Is(err, ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotRaiser):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "role_not_allowed",
			"message": err.Error(),
		})
	default:
		if ra := api.RetryAfter(err); ra != "" {
			c.Header("Retry-After", ra)
		}
		c.JSON(api.HTTPStatus(err), gin.H{
			"error":   api.ErrorCode(err),
			"message": err.Error(),
		})
	}
}
