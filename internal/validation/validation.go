// Package validation bounds and cleans untrusted request input.
package validation

import (
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize caps JSON request bodies.
	MaxRequestSize = 64 << 10
	// MaxInputLength caps pasted payment input. BOLT11 invoices with long
	// route hints stay well under this.
	MaxInputLength = 8 << 10
	// MaxQueryLength caps user search queries.
	MaxQueryLength = 256
)

// prefixedIDRegex matches ids from idgen.WithPrefix.
var prefixedIDRegex = regexp.MustCompile(`^[a-z]+_[0-9a-f]{32}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsPrefixedID reports whether id looks like "<prefix>_<32 hex>".
func IsPrefixedID(id string) bool {
	return prefixedIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops NUL bytes and cuts s to at most
// maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// IDParamMiddleware rejects requests whose :name path param is not a
// prefixed id.
func IDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(name); id != "" && !IsPrefixedID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": name + " is not a valid id",
			})
			return
		}
		c.Next()
	}
}

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects rejected fields.
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check runs rules and returns the failures, or nil.
func Check(rules ...func() *FieldError) FieldErrors {
	var errs FieldErrors
	for _, rule := range rules {
		if err := rule(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required rejects blank values.
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}
