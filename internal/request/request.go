// Package request holds the request-context types shared between trust
// validation, claim mapping, and session issuance.
package request

import "github.com/crossfed-io/crossfed/internal/claims"

// RequestAttributes describes the transport-level context of an exchange
// request. Validator filters and claim mappers both consume it, so every
// field is exported and JSON-serializable.
type RequestAttributes struct {
	// Method is the HTTP method or RPC method name.
	Method string `json:"method,omitempty"`

	// Path is the resource path being accessed.
	Path string `json:"path,omitempty"`

	// IPAddress is the client IP address.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the client user agent.
	UserAgent string `json:"user_agent,omitempty"`

	// Headers carries selected HTTP headers.
	Headers map[string]string `json:"headers,omitempty"`

	// Additional holds everything else, e.g. "host", Envoy context
	// extensions, or deployment-specific context. No omitempty: CEL filter
	// expressions reference this field and need it present even when empty.
	Additional map[string]any `json:"additional"`
}

// FromClaims builds RequestAttributes from a filtered request_context claim
// set, mapping the well-known claim names onto struct fields and routing the
// rest into Additional.
func FromClaims(filteredClaims claims.Claims) *RequestAttributes {
	attrs := &RequestAttributes{
		Additional: make(map[string]any),
	}

	if filteredClaims == nil {
		return attrs
	}

	if method := filteredClaims.GetString("method"); method != "" {
		attrs.Method = method
	}
	if path := filteredClaims.GetString("path"); path != "" {
		attrs.Path = path
	}
	if ipAddress := filteredClaims.GetString("ip_address"); ipAddress != "" {
		attrs.IPAddress = ipAddress
	}
	if userAgent := filteredClaims.GetString("user_agent"); userAgent != "" {
		attrs.UserAgent = userAgent
	}

	if headersRaw, ok := filteredClaims["headers"]; ok {
		if headersMap, ok := headersRaw.(map[string]any); ok {
			attrs.Headers = make(map[string]string)
			for k, v := range headersMap {
				if str, ok := v.(string); ok {
					attrs.Headers[k] = str
				}
			}
		}
	}

	knownFields := map[string]bool{
		"method":     true,
		"path":       true,
		"ip_address": true,
		"user_agent": true,
		"headers":    true,
	}

	for key, value := range filteredClaims {
		if !knownFields[key] {
			attrs.Additional[key] = value
		}
	}

	return attrs
}
