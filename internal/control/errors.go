package control

import (
	"github.com/gin-gonic/gin"
)

// Error codes match the gateway's so clients parse one envelope.
const (
	codeValidation  = "validation_error"
	codeNotFound    = "not_found"
	codeUnavailable = "service_unavailable"
	codeInternal    = "internal_error"
)

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
