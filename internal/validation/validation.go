// Package validation provides input validation for the marketplace front end.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// idRegex matches the opaque identifiers issued by the marketplace
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	// resourcePathRegex matches the path a hosted checkout widget hands back
	resourcePathRegex = regexp.MustCompile(`^/[A-Za-z0-9_./-]{1,255}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string looks like a marketplace identifier
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidResourcePath checks a hosted checkout result path. Traversal
// segments are rejected so the path cannot escape the provider's API.
func IsValidResourcePath(p string) bool {
	return resourcePathRegex.MatchString(p) && !strings.Contains(p, "..")
}

// Clean trims free text and drops NUL bytes and other control characters
// except newlines and tabs, which dispute descriptions may contain.
func Clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
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

// Rule checks one field; nil means the field passed.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures in order.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length in characters
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if utf8.RuneCountInString(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// MinLength checks that a non-empty field has at least min characters
func MinLength(field, value string, min int) Rule {
	return func() *ValidationError {
		v := strings.TrimSpace(value)
		if v != "" && utf8.RuneCountInString(v) < min {
			return &ValidationError{Field: field, Message: "is too short"}
		}
		return nil
	}
}

// ValidID checks that a field holds a marketplace identifier
func ValidID(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "is not a valid identifier"}
		}
		return nil
	}
}

// OneOf checks that a non-empty field is one of the allowed values, such as
// a list filter that only accepts "buyer" or "seller".
func OneOf(field, value string, allowed ...string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be 1-64 letters, digits, '_' or '-'",
			})
			return
		}
		c.Next()
	}
}
