package server

import (
	"errors"
	"net/http"

	"OptionLedger/internal/domain"

	"github.com/gin-gonic/gin"
)

// respondError maps domain errors onto HTTP statuses. Everything unmapped is
// a 500 with a generic body; the details go to the log, not the client.
func (s *Server) respondError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "error": err.Error()})
	case errors.Is(err, domain.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"code": "INSUFFICIENT_FUNDS", "error": "balance does not cover the requested amount"})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "resource not found"})
	case errors.Is(err, domain.ErrAlreadyRedeemed):
		c.JSON(http.StatusConflict, gin.H{"code": "ALREADY_REDEEMED", "error": "code already redeemed by this user"})
	case errors.Is(err, domain.ErrCodeExhausted):
		c.JSON(http.StatusConflict, gin.H{"code": "CODE_EXHAUSTED", "error": "code usage cap reached"})
	case errors.Is(err, domain.ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"code": "ALREADY_SETTLED", "error": "trade already settled"})
	default:
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("internal error")
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "error": "internal error"})
	}
}
