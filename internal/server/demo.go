package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/order"
)

// Demo routes play the parts of the marketplace that no page can trigger:
// the payment gateway callback and dispute adjudication. They exist only
// with the in-memory backend and only admins may call them.
func (s *Server) registerDemoRoutes(r *gin.RouterGroup) {
	demo := r.Group("/demo", auth.RequireRole(auth.RoleAdmin))
	demo.POST("/orders/:id/pay", s.demoConfirmPayment)
	demo.POST("/disputes/:id/review", s.demoReviewDispute)
	demo.POST("/disputes/:id/resolve", s.demoResolveDispute)
}

// demoConfirmPayment handles POST /v1/demo/orders/:id/pay
func (s *Server) demoConfirmPayment(c *gin.Context) {
	o, err := s.memory.ConfirmPayment(c.Param("id"))
	if err != nil {
		writeDemoError(c, err)
		return
	}
	s.realtimeHub.Notify(o.ID)
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// demoReviewDispute handles POST /v1/demo/disputes/:id/review
func (s *Server) demoReviewDispute(c *gin.Context) {
	d, err := s.memory.ReviewDispute(c.Param("id"))
	if err != nil {
		writeDemoError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type resolveRequest struct {
	Outcome order.Status `json:"outcome" binding:"required"`
}

// demoResolveDispute handles POST /v1/demo/disputes/:id/resolve
func (s *Server) demoResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required",
		})
		return
	}
	if req.Outcome != order.StatusCompleted && req.Outcome != order.StatusCancelled {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "outcome must be completed or cancelled",
		})
		return
	}

	d, err := s.memory.ResolveDispute(c.Param("id"), req.Outcome)
	if err != nil {
		writeDemoError(c, err)
		return
	}
	s.realtimeHub.Notify(d.OrderID)
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func writeDemoError(c *gin.Context, err error) {
	var ae *api.Error
	if errors.As(err, &ae) {
		c.JSON(api.HTTPStatus(err), gin.H{
			"error":   api.ErrorCode(err),
			"message": ae.Message,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

// DemoUser is a seeded account with a ready-made session token.
type DemoUser struct {
	Viewer auth.Viewer
	Token  string
}

// SeedDemo fills the in-memory marketplace with a few listings and returns
// tokens for a buyer, a seller without a linked identity, and an admin.
func (s *Server) SeedDemo() ([]DemoUser, error) {
	if s.memory == nil {
		return nil, errors.New("server: demo seeding needs the in-memory backend")
	}

	listings := []order.Listing{
		{Title: "Level 80 warrior, all raids cleared", Category: "mmo", Price: 120, SellerID: "seller"},
		{Title: "Competitive shooter account, top rank", Category: "shooter", Price: 45.5, SellerID: "seller"},
		{Title: "Strategy account with every expansion", Category: "strategy", Price: 30, SellerID: "seller"},
	}
	for _, l := range listings {
		s.memory.AddListing(l)
	}

	viewers := []auth.Viewer{
		{ID: "buyer", Role: auth.RoleUser, Language: "en", Linked: []string{"steam"}},
		{ID: "seller", Role: auth.RoleUser, Language: "ru"},
		{ID: "admin", Role: auth.RoleAdmin, Language: "en", Linked: []string{"steam"}},
	}
	users := make([]DemoUser, 0, len(viewers))
	for _, v := range viewers {
		token, err := s.authMgr.Issue(v)
		if err != nil {
			return nil, err
		}
		users = append(users, DemoUser{Viewer: v, Token: token})
	}
	return users, nil
}
