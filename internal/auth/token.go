// Package auth gates privileged operations behind a shared secret.
package auth

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// Validator handles shared-secret validation for trigger and admin routes
type Validator struct {
	apiTokens map[string]bool
}

// NewValidator creates a new authentication validator
func NewValidator() (*Validator, error) {
	validator := &Validator{
		apiTokens: make(map[string]bool),
	}

	if err := validator.loadAPITokens(); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	return validator, nil
}

// loadAPITokens loads the accepted shared secrets. PIPELINE_API_TOKEN
// takes precedence; otherwise a token file is read, one token per line.
func (v *Validator) loadAPITokens() error {
	if token := strings.TrimSpace(os.Getenv("PIPELINE_API_TOKEN")); token != "" {
		v.apiTokens[token] = true
		return nil
	}

	tokenFile := os.Getenv("API_TOKENS_FILE")
	if tokenFile == "" {
		tokenFile = "/etc/quiz-pipeline/api-tokens"
	}

	if _, err := os.Stat(tokenFile); os.IsNotExist(err) {
		// For development, add a default token
		v.apiTokens["dev-token-12345"] = true
		return nil
	}

	content, err := os.ReadFile(tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}

	for _, line := range strings.Split(string(content), "\n") {
		token := strings.TrimSpace(line)
		if token != "" {
			v.apiTokens[token] = true
		}
	}

	return nil
}

// Middleware returns Gin middleware enforcing the shared secret
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v.validateAPIToken(c) {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(401, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide a valid API token",
			Code:    401,
		})
	}
}

// validateAPIToken validates the token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) bool {
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return v.apiTokens[strings.TrimPrefix(authHeader, "Bearer ")]
	}

	token := c.GetHeader("X-API-Token")
	if token != "" {
		return v.apiTokens[token]
	}

	return false
}
