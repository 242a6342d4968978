package marketplace

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-market/internal/listing"
	"github.com/ksred/klear-market/pkg/middleware"
	"github.com/ksred/klear-market/pkg/response"
)

// GinHandlers contains HTTP handlers for marketplace endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateListingHandler handles POST /listings.
func (h *GinHandlers) CreateListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		seller, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		var request CreateListingRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		l, err := h.service.CreateListing(c.Request.Context(), seller, request)
		response.Handle(c, l, err)
	}
}

// ListListingsHandler handles GET /listings with optional sale_method,
// seller_id and limit query parameters.
func (h *GinHandlers) ListListingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		filter := listing.Filter{
			SaleMethod: c.Query("sale_method"),
			SellerID:   c.Query("seller_id"),
			Limit:      limit,
		}

		listings, err := h.service.ListActive(c.Request.Context(), filter)
		response.Handle(c, listings, err)
	}
}

func (h *GinHandlers) GetListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		l, err := h.service.GetListing(c.Request.Context(), c.Param("listing_id"))
		response.Handle(c, l, err)
	}
}

func (h *GinHandlers) CancelListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		l, err := h.service.CancelListing(c.Request.Context(), c.Param("listing_id"), player)
		response.Handle(c, l, err)
	}
}

// PurchaseHandler buys a direct listing. The Idempotency-Key header is
// optional; when present a retried request replays the first receipt.
func (h *GinHandlers) PurchaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		buyer, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		receipt, err := h.service.Purchase(c.Request.Context(), c.Param("listing_id"), buyer, c.GetHeader("Idempotency-Key"))
		response.Handle(c, receipt, err)
	}
}

func (h *GinHandlers) PlaceBidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bidder, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		var request PlaceBidRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		b, err := h.service.PlaceBid(c.Request.Context(), c.Param("listing_id"), bidder, request.Amount)
		response.Handle(c, b, err)
	}
}

func (h *GinHandlers) BidHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bids, err := h.service.BidHistory(c.Request.Context(), c.Param("listing_id"))
		response.Handle(c, bids, err)
	}
}

// MyListingsHandler lists the authenticated player's listings.
func (h *GinHandlers) MyListingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := middleware.CurrentPlayer(c)
		if !ok {
			response.Unauthorized(c, "Missing player identity")
			return
		}

		limit, _ := strconv.Atoi(c.Query("limit"))
		listings, err := h.service.ListBySeller(c.Request.Context(), player.ID, limit)
		response.Handle(c, listings, err)
	}
}

// ResolveAuctionHandler lets the game server force resolution of an ended
// auction instead of waiting for the sweeper.
func (h *GinHandlers) ResolveAuctionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		receipt, err := h.service.ResolveAuction(c.Request.Context(), c.Param("listing_id"))
		response.Handle(c, receipt, err)
	}
}

// SweepHandler runs one sweeper pass on demand.
func (h *GinHandlers) SweepHandler(processor *Processor) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := processor.RunOnce(c.Request.Context())
		response.Handle(c, result, err)
	}
}
