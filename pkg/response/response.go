package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-market/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Marketplace error codes
const (
	ErrCodeListingNotFound    = "LISTING_NOT_FOUND"
	ErrCodeDeliveryNotFound   = "DELIVERY_NOT_FOUND"
	ErrCodeListingNotActive   = "LISTING_NOT_ACTIVE"
	ErrCodeListingExpired     = "LISTING_EXPIRED"
	ErrCodeListingAlreadySold = "LISTING_ALREADY_SOLD"
	ErrCodeAuctionNotEnded    = "AUCTION_NOT_ENDED"
	ErrCodeAuctionHasBids     = "AUCTION_HAS_BIDS"
	ErrCodeItemAlreadyListed  = "ITEM_ALREADY_LISTED"
	ErrCodeNotListingOwner    = "NOT_LISTING_OWNER"
	ErrCodeSelfTrade          = "SELF_TRADE"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeSettlementFailed   = "SETTLEMENT_FAILED"
)

// Handle writes data on success and maps err onto an error response otherwise.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// Fail sends an error response with an explicit status and code.
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	Fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	Fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	Fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	Fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	Fail(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	Fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// domainErrors maps marketplace sentinels onto HTTP responses. Order matters:
// the specific listing states wrap ErrListingNotActive and must match first.
var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{types.ErrListingNotFound, http.StatusNotFound, ErrCodeListingNotFound},
	{types.ErrDeliveryNotFound, http.StatusNotFound, ErrCodeDeliveryNotFound},
	{types.ErrNotListingOwner, http.StatusForbidden, ErrCodeNotListingOwner},
	{types.ErrSelfTrade, http.StatusForbidden, ErrCodeSelfTrade},
	{types.ErrListingAlreadySold, http.StatusConflict, ErrCodeListingAlreadySold},
	{types.ErrListingExpired, http.StatusConflict, ErrCodeListingExpired},
	{types.ErrAuctionNotEnded, http.StatusConflict, ErrCodeAuctionNotEnded},
	{types.ErrListingNotActive, http.StatusConflict, ErrCodeListingNotActive},
	{types.ErrAuctionHasBids, http.StatusConflict, ErrCodeAuctionHasBids},
	{types.ErrItemAlreadyListed, http.StatusConflict, ErrCodeItemAlreadyListed},
	{types.ErrInsufficientFunds, http.StatusUnprocessableEntity, ErrCodeInsufficientFunds},
	{types.ErrSettlementFailed, http.StatusServiceUnavailable, ErrCodeSettlementFailed},
}

// handleError logs anything it cannot classify and answers 500.
func handleError(c *gin.Context, err error) {
	var validationErr *types.ValidationError
	if errors.As(err, &validationErr) {
		Fail(c, http.StatusBadRequest, ErrCodeValidationFailed, validationErr.Error())
		return
	}

	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			Fail(c, d.status, d.code, d.err.Error())
			return
		}
	}

	log.Error().
		Err(err).
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Msg("unhandled request error")

	// Default to internal server error
	InternalError(c, "An unexpected error occurred")
}
