package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/buyve/rpcgate/pkg/endpoints"
)

// Package errors.
var (
	// ErrRetriesExhausted is returned when every attempt for a logical
	// request failed. The last endpoint error is wrapped alongside it.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ExhaustionError reports that every registered endpoint is currently
// blacklisted. It is returned before any network call is made.
type ExhaustionError struct {
	Snapshot []endpoints.Status
}

// Error implements the error interface.
func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("all endpoints exhausted: %d blacklisted", len(e.Snapshot))
}

// providerFault reports whether an RPC error envelope indicates a problem
// with the endpoint itself rather than with the request. Such responses
// blacklist the endpoint and trigger a retry elsewhere; everything else
// is an application-level error relayed to the caller unchanged.
func providerFault(e *RPCError) bool {
	switch e.Code {
	case -32005: // node is unhealthy / behind
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "rate limit")
}
