package bank

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointError reports a provider URL that fails validation. Error never
// includes the URL's query, which may carry credentials.
type EndpointError struct {
	// Field names the offending setting
	Field string
	// Category is a stable label for logs
	Category string
	// Reason is the detailed message
	Reason string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Endpoint validation categories.
const (
	EndpointErrorCategoryInvalidFormat = "invalid_format"
	EndpointErrorCategoryScheme        = "scheme_not_allowed"
	EndpointErrorCategoryHTTP          = "http_not_allowed"
	EndpointErrorCategoryFragment      = "fragment_not_allowed"
	EndpointErrorCategoryUserInfo      = "userinfo_not_allowed"
)

// validateEndpoint checks that raw is an absolute https URL. Plain http is
// accepted only for loopback hosts so local test banks keep working.
func validateEndpoint(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return &EndpointError{Field: field, Category: EndpointErrorCategoryInvalidFormat,
			Reason: "must be an absolute URL"}
	}
	// Fragments are never sent to a server and must not appear in a redirect.
	if parsed.Fragment != "" {
		return &EndpointError{Field: field, Category: EndpointErrorCategoryFragment,
			Reason: "fragments are not allowed"}
	}
	if parsed.User != nil {
		return &EndpointError{Field: field, Category: EndpointErrorCategoryUserInfo,
			Reason: "embedded credentials are not allowed"}
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return &EndpointError{Field: field, Category: EndpointErrorCategoryHTTP,
			Reason: "http is only allowed for loopback hosts"}
	default:
		return &EndpointError{Field: field, Category: EndpointErrorCategoryScheme,
			Reason: fmt.Sprintf("scheme %q is not allowed", parsed.Scheme)}
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
