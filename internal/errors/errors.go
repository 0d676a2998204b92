// Package errors provides the exchange error taxonomy, the response classifier
// applied after every trade-query call, and retry helpers for callers that want
// to re-attempt transient failures.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType represents the classification of an exchange failure
type ErrorType string

const (
	ErrorTypeMaintenance       ErrorType = "maintenance"        // Upstream degraded (HTTP 502), retryable
	ErrorTypeUnsupportedSymbol ErrorType = "unsupported_symbol" // HTTP 404, fatal for the symbol
	ErrorTypeTransport         ErrorType = "transport"          // Any other unexpected transport outcome
	ErrorTypeBody              ErrorType = "body"               // 200 response carrying an error field
	ErrorTypeUnresolvedPair    ErrorType = "unresolved_pair"    // Resolved pair key missing from the response
)

// Sentinel values for errors.Is matching. Comparison is by ErrorType only.
var (
	ErrMaintenance       = &ExchangeError{Type: ErrorTypeMaintenance}
	ErrUnsupportedSymbol = &ExchangeError{Type: ErrorTypeUnsupportedSymbol}
	ErrTransport         = &ExchangeError{Type: ErrorTypeTransport}
	ErrBody              = &ExchangeError{Type: ErrorTypeBody}
	ErrUnresolvedPair    = &ExchangeError{Type: ErrorTypeUnresolvedPair}
)

// ErrNoTrades is returned when a lookup of the earliest trade finds nothing.
var ErrNoTrades = errors.New("exchange returned no trades")

// ExchangeError is a classified failure of an exchange call.
type ExchangeError struct {
	Type    ErrorType `json:"type"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Error implements the error interface
func (e *ExchangeError) Error() string {
	switch e.Type {
	case ErrorTypeMaintenance:
		return "exchange in maintenance: 502 Bad Gateway, try again later"
	case ErrorTypeUnsupportedSymbol:
		return fmt.Sprintf("unsupported symbol: %s", e.Message)
	case ErrorTypeTransport:
		return fmt.Sprintf("unexpected response status %d: %s", e.Status, e.Message)
	case ErrorTypeBody:
		return fmt.Sprintf("exchange error: %s", e.Message)
	case ErrorTypeUnresolvedPair:
		return fmt.Sprintf("pair %s not present in response", e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
}

// Is reports whether target is an ExchangeError of the same type
func (e *ExchangeError) Is(target error) bool {
	t, ok := target.(*ExchangeError)
	return ok && t.Type == e.Type
}

// Retryable reports whether the failure is worth re-attempting unchanged.
func (e *ExchangeError) Retryable() bool {
	return e.Type == ErrorTypeMaintenance
}

// MaintenanceError reports the exchange as temporarily unavailable.
func MaintenanceError() *ExchangeError {
	return &ExchangeError{Type: ErrorTypeMaintenance, Status: http.StatusBadGateway}
}

// UnsupportedSymbolError carries the exchange's message for an unknown symbol.
func UnsupportedSymbolError(message string) *ExchangeError {
	return &ExchangeError{Type: ErrorTypeUnsupportedSymbol, Status: http.StatusNotFound, Message: message}
}

// GenericTransportError carries the raw body of an unexpected response.
func GenericTransportError(status int, body string) *ExchangeError {
	return &ExchangeError{Type: ErrorTypeTransport, Status: status, Message: body}
}

// BodyError carries the contents of a non-empty error field in a 200 response.
func BodyError(message string) *ExchangeError {
	return &ExchangeError{Type: ErrorTypeBody, Status: http.StatusOK, Message: message}
}

// UnresolvedPairError reports a pair identifier absent from a response body.
func UnresolvedPairError(pairID string) *ExchangeError {
	return &ExchangeError{Type: ErrorTypeUnresolvedPair, Status: http.StatusOK, Message: pairID}
}

// Classify maps an HTTP status and body onto the error taxonomy.
// It returns nil when the body may proceed to extraction.
func Classify(status int, body []byte) error {
	switch {
	case status == http.StatusBadGateway:
		return MaintenanceError()
	case status == http.StatusNotFound:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
			return UnsupportedSymbolError(strings.TrimSpace(string(body)))
		}
		return UnsupportedSymbolError(payload.Message)
	case status != http.StatusOK:
		return GenericTransportError(status, string(body))
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return GenericTransportError(status, fmt.Sprintf("malformed response body: %v", err))
	}
	if msg := bodyErrorMessage(envelope.Error); msg != "" {
		return BodyError(msg)
	}
	return nil
}

// bodyErrorMessage flattens the error field, which exchanges send either as
// a list of strings or as a single string.
func bodyErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}

	// Anything else non-empty is still an error payload
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "[]" || trimmed == "{}" || trimmed == `""` {
		return ""
	}
	return trimmed
}

// IsRetryable checks if an error is worth retrying: maintenance windows and
// network-level failures are, everything else in the taxonomy is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Retryable()
	}

	return isNetworkError(err)
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Type
	}
	return ""
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"host unreachable",
		"network unreachable",
		"unexpected eof",
	}

	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
