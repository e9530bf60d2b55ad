package onramp

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vitwit/x402-onramp/logger"
)

type tokenRequestBody struct {
	Address string `json:"address" binding:"required"`
}

// TokenHandler serves POST /api/session-token. Register it for every
// method so other methods get a 405 body instead of a 404.
func TokenHandler(issuer Issuer, log logger.Logger) gin.HandlerFunc {
	log = logger.OrNoop(log)
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
			return
		}

		var body tokenRequestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Address is required"})
			return
		}

		tok, err := issuer.CreateSessionToken(c.Request.Context(), body.Address)
		if err != nil {
			log.Error("failed to create session token", map[string]any{"address": body.Address, "error": err})
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to create session token",
				"details": err.Error(),
			})
			return
		}

		if len(tok.Raw) > 0 {
			c.Data(http.StatusOK, "application/json", tok.Raw)
			return
		}
		c.JSON(http.StatusOK, tok)
	}
}
