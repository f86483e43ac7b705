package endpoints

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureType categorizes why a request against an endpoint failed.
// Each type maps to its own blacklist cooldown: transient conditions like
// timeouts recover quickly, structural ones like bad certificates or DNS
// misconfiguration stay blocked longer.
type FailureType string

const (
	FailureRateLimit FailureType = "rate_limit"
	FailureForbidden FailureType = "forbidden"
	FailureDNS       FailureType = "dns_error"
	FailureCert      FailureType = "cert_error"
	FailureTimeout   FailureType = "timeout"
	FailureGeneric   FailureType = "generic"
)

// HTTPStatusError reports a non-2xx HTTP response from an endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// Classify maps a transport or provider error to exactly one FailureType.
// Matching is first-match-wins: structured error types are inspected
// before falling back to message text, and anything unrecognized is
// FailureGeneric. The string inspection is confined to this boundary;
// everything downstream matches on the FailureType enum.
func Classify(err error) FailureType {
	if err == nil {
		return FailureGeneric
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusTooManyRequests:
			return FailureRateLimit
		case http.StatusForbidden:
			return FailureForbidden
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}

	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return FailureCert
	}
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certInvalid) {
		return FailureCert
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return FailureCert
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	// Errors from external libraries arrive unstructured; message text is
	// the last resort.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return FailureRateLimit
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "403"):
		return FailureForbidden
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "getaddrinfo"):
		return FailureDNS
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "x509") || strings.Contains(msg, "tls"):
		return FailureCert
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	}

	return FailureGeneric
}
