package admission

import "strings"

const (
	rateLimitNamespace = "ratelimit"
	anonymousPrefix    = "anonymous:"
)

// RequestIdentity is what the gates know about the caller of one request.
type RequestIdentity struct {
	IP string
	// Subject is the authenticated principal, empty when no credential was presented.
	Subject string
	// Endpoint is the stable signature of the route, e.g. "GET /api/articles/{id}".
	Endpoint string
}

// BuildKey maps a policy and a request identity to the key of its sliding window.
// The result only depends on its inputs, so concurrent requests from one actor
// land on the same counter.
func BuildKey(p Policy, id RequestIdentity) string {
	var b strings.Builder
	b.WriteString(rateLimitNamespace)
	b.WriteByte(':')
	b.WriteString(p.Dimension.Tag())
	b.WriteByte(':')
	b.WriteString(identityFor(p.Dimension, id))
	b.WriteByte(':')
	b.WriteString(endpointTag(p, id))
	return b.String()
}

func identityFor(d Dimension, id RequestIdentity) string {
	if d == DimensionIdentity {
		if subject := strings.TrimSpace(id.Subject); subject != "" {
			return subject
		}
		return anonymousPrefix + id.IP
	}
	return id.IP
}

func endpointTag(p Policy, id RequestIdentity) string {
	if p.KeyPrefix != "" {
		return p.KeyPrefix
	}
	return id.Endpoint
}

// EndpointSignature builds the endpoint discriminator from a method and a route
// pattern, falling back to the raw path when no pattern is known.
func EndpointSignature(method, pattern, path string) string {
	if pattern == "" {
		pattern = path
	}
	return method + " " + pattern
}
