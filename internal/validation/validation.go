// Package validation provides input validation for the escrow API.
package validation

import (
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB).
const MaxRequestSize = 1 << 20

var (
	// addressRegex validates 0x-prefixed 20-byte hex addresses.
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// intRegex validates unsigned decimal integers (base-unit amounts, token IDs).
	intRegex = regexp.MustCompile(`^[0-9]+$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a valid 0x-prefixed address.
func IsValidAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// SanitizeAddress normalizes an address to lowercase 0x-prefixed form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks that a field is a well-formed address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidAddress(SanitizeAddress(value)) {
			return &ValidationError{Field: field, Message: "must be a 0x-prefixed 40-char hex address"}
		}
		return nil
	}
}

// ValidAmount checks that a field is a positive base-unit integer.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !intRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an unsigned integer in base units"}
		}
		n, ok := new(big.Int).SetString(value, 10)
		if !ok || n.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "must be positive"}
		}
		return nil
	}
}

// ValidAssetID checks that a field is an unsigned integer token identifier.
func ValidAssetID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !intRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an unsigned integer token ID"}
		}
		return nil
	}
}
