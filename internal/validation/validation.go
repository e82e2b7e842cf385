// Package validation provides request validation helpers for the gateway.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB). Purchase payloads
// are tiny, anything bigger is abuse.
const MaxRequestSize = 64 << 10

// MaxReasonLength bounds free-text reasons and payment proofs.
const MaxReasonLength = 500

// partyIDRegex accepts the opaque user ids issued by the identity service.
var partyIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPartyID checks the shape of a buyer, agent or admin id.
func IsValidPartyID(id string) bool {
	return partyIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips NUL bytes and caps the length.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// PartyID checks a user id field when it is set.
func PartyID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidPartyID(value) {
			return &ValidationError{Field: field, Message: "is not a valid id"}
		}
		return nil
	}
}

// PositiveInt checks that n is in [1, max].
func PositiveInt(field string, n, max int64) func() *ValidationError {
	return func() *ValidationError {
		if n <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if max > 0 && n > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must not exceed %d", max)}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if !slices.Contains(allowed, value) {
			return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL params early.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidPartyID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": p + " is not a valid id",
				})
				return
			}
		}
		c.Next()
	}
}
