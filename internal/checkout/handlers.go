package checkout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/validation"
)

// Handler provides HTTP endpoints for the checkout flows.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a new checkout handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up checkout routes. All of them need a viewer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/orders", h.CreateOrder)
	r.POST("/orders/:id/checkout/redirect", h.StartRedirect)
	r.POST("/orders/:id/checkout/hosted", h.StartHosted)
	r.GET("/orders/:id/checkout/result", h.Result)
}

// CreateOrder handles POST /v1/listings/:id/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	ctx := api.WithIdempotencyKey(c.Request.Context(), c.GetHeader("Idempotency-Key"))
	o, err := h.orchestrator.CreateOrder(ctx, v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// StartRedirect handles POST /v1/orders/:id/checkout/redirect
func (h *Handler) StartRedirect(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	r, err := h.orchestrator.StartRedirect(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"redirect": r.URL,
		"reused":   r.Reused(),
	})
}

// StartHosted handles POST /v1/orders/:id/checkout/hosted
func (h *Handler) StartHosted(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	session, err := h.orchestrator.StartHosted(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// Result handles GET /v1/orders/:id/checkout/result?resourcePath=
func (h *Handler) Result(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	r, err := h.orchestrator.CompleteHosted(c.Request.Context(), v, c.Param("id"), c.Query("resourcePath"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func writeError(c *gin.Context, err error) {
	var ve validation.ValidationErrors
	var pm *PriceMismatchError

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"details": ve,
		})
	case errors.As(err, &pm):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "price_mismatch",
			"message":  "The listing price changed. Review the listing before paying.",
			"redirect": pm.RedirectPath(),
		})
	case errors.Is(err, ErrSelfPurchase):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "self_purchase",
			"message": "You cannot buy your own listing.",
		})
	case errors.Is(err, ErrInvalidResourcePath):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resource_path",
			"message": "Invalid checkout result.",
		})
	case errors.Is(err, ErrNotBuyer):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_buyer",
			"message": "Only the buyer can pay for this order.",
		})
	case errors.Is(err, ErrNotAwaitingPayment):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "This order is no longer awaiting payment. Refresh the order.",
		})
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "listing_unavailable",
			"message": "This listing is no longer available.",
		})
	case errors.Is(err, ErrUnsafeRedirect), errors.Is(err, ErrIncoherentOrder):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "bad_upstream_response",
			"message": "The payment service returned an unexpected response. Please try again.",
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
