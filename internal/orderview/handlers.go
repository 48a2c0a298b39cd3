package orderview

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/escrowclock"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/pagination"
	"github.com/mbd888/accountmarket/internal/realtime"
	"github.com/mbd888/accountmarket/internal/validation"
)

// Handler provides HTTP endpoints for order pages.
type Handler struct {
	service *Service
	watcher *Watcher
	hub     *realtime.Hub
	logger  *slog.Logger
}

// NewHandler creates a new order view handler.
func NewHandler(service *Service, watcher *Watcher, hub *realtime.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		watcher: watcher,
		hub:     hub,
		logger:  logger,
	}
}

// RegisterRoutes sets up order routes. All of them need a viewer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.List)
	r.GET("/orders/:id", h.Get)
	r.POST("/orders/:id/confirm", h.Confirm)
	r.POST("/orders/:id/cancel", h.Cancel)
	r.GET("/orders/:id/countdown", h.Countdown)
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// List handles GET /v1/orders?status=&side=&has_dispute=&limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	filter := api.OrderFilter{
		Status: order.Status(c.Query("status")),
		Side:   order.Party(c.Query("side")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "Unknown order status filter",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("side", string(filter.Side), string(order.PartyBuyer), string(order.PartySeller)),
	); len(errs) > 0 {
		writeError(c, errs)
		return
	}
	if raw := c.Query("has_dispute"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "has_dispute must be true or false",
			})
			return
		}
		filter.HasDispute = &b
	}
	filter.Limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxPageSize {
			filter.Limit = n
		}
	}
	if cursor := c.Query("cursor"); cursor != "" {
		if _, err := pagination.Decode(cursor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is not valid",
			})
			return
		}
		filter.Cursor = cursor
	}

	views, next, err := h.service.ListViews(c.Request.Context(), v, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"orders":   views,
		"count":    len(views),
		"has_more": next != "",
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	view, err := h.service.GetView(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Confirm handles POST /v1/orders/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	view, err := h.service.ConfirmReceipt(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel handles POST /v1/orders/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	view, err := h.service.CancelOrder(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Countdown handles GET /v1/orders/:id/countdown (WebSocket).
//
// The stream carries a tick frame every second and an order frame whenever
// a refetch shows a change. It closes once the order leaves escrow_hold.
func (h *Handler) Countdown(c *gin.Context) {
	v, _ := auth.GetViewer(c)

	view, err := h.service.GetView(c.Request.Context(), v, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if view.Order.Status != order.StatusEscrowHold {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_in_escrow",
			"message": "The countdown is only available while funds are held in escrow.",
			"status":  view.Order.Status,
		})
		return
	}

	stream, err := h.hub.Open(c.Writer, c.Request, view.Order.ID, v.ID)
	if err != nil {
		return
	}
	go h.follow(stream, v, view.Order)
}

// follow drives one countdown stream until the order leaves escrow or the
// stream ends.
func (h *Handler) follow(stream *realtime.Stream, v auth.Viewer, initial *order.Order) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stream.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	builder := h.service.Builder()

	var mu sync.Mutex
	current := initial
	source := func() (time.Time, bool) {
		mu.Lock()
		defer mu.Unlock()
		if current.Status != order.StatusEscrowHold || current.EscrowReleaseAt == nil {
			return time.Time{}, false
		}
		return *current.EscrowReleaseAt, true
	}
	ticker := escrowclock.NewTicker(source, func(s escrowclock.Snapshot) {
		stream.Send(&realtime.Frame{Type: realtime.FrameTick, Data: s})
	}, builder.Hold(), h.logger).WithClock(builder.Now, 0)

	stream.Send(&realtime.Frame{Type: realtime.FrameOrder, Data: builder.Build(initial, v)})
	go ticker.Start(ctx)
	defer ticker.Stop()

	last, err := h.watcher.Watch(ctx, v, initial, stream.Refresh(), func(o *order.Order) {
		mu.Lock()
		current = o
		mu.Unlock()
		stream.Send(&realtime.Frame{Type: realtime.FrameOrder, Data: builder.Build(o, v)})
	})
	if errors.Is(err, context.Canceled) {
		return
	}

	reason := gin.H{"status": last.Status}
	if err != nil {
		reason["error"] = api.ErrorCode(err)
	}
	stream.Send(&realtime.Frame{Type: realtime.FrameClosed, Data: reason})
	stream.Close()
}

func writeError(c *gin.Context, err error) {
	var ve validation.ValidationErrors

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Error(),
			"details": ve,
		})
	case errors.Is(err, ErrActionNotAllowed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "action_not_allowed",
			"message": "This action is no longer available. Refresh the order.",
		})
	case errors.Is(err, ErrIncoherentOrder):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "incoherent_order",
			"message": "The marketplace returned inconsistent order data. Please try again.",
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
