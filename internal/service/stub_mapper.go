package service

import (
	"context"
	"maps"

	"github.com/crossfed-io/crossfed/internal/claims"
)

// StubClaimMapper returns a fixed claim set. Test helper.
type StubClaimMapper struct {
	claims claims.Claims
}

// NewStubClaimMapper creates a mapper that always returns c.
func NewStubClaimMapper(c claims.Claims) *StubClaimMapper {
	return &StubClaimMapper{claims: c}
}

// Map implements ClaimMapper.
func (s *StubClaimMapper) Map(ctx context.Context, input *MapperInput) (claims.Claims, error) {
	return s.claims, nil
}

// PassthroughSubjectMapper carries the subject's validated claims into the
// session unchanged.
type PassthroughSubjectMapper struct{}

// NewPassthroughSubjectMapper creates a passthrough mapper.
func NewPassthroughSubjectMapper() *PassthroughSubjectMapper {
	return &PassthroughSubjectMapper{}
}

// Map implements ClaimMapper.
func (p *PassthroughSubjectMapper) Map(ctx context.Context, input *MapperInput) (claims.Claims, error) {
	if input.Subject == nil {
		return nil, nil
	}
	return input.Subject.Claims, nil
}

// RequestAttributesMapper records the exchange request in the session claims.
type RequestAttributesMapper struct{}

// NewRequestAttributesMapper creates a request attributes mapper.
func NewRequestAttributesMapper() *RequestAttributesMapper {
	return &RequestAttributesMapper{}
}

// Map implements ClaimMapper. Empty attributes are omitted.
func (r *RequestAttributesMapper) Map(ctx context.Context, input *MapperInput) (claims.Claims, error) {
	if input.RequestAttributes == nil {
		return nil, nil
	}

	result := make(claims.Claims)
	if input.RequestAttributes.Method != "" {
		result["method"] = input.RequestAttributes.Method
	}
	if input.RequestAttributes.Path != "" {
		result["path"] = input.RequestAttributes.Path
	}
	if input.RequestAttributes.IPAddress != "" {
		result["ip_address"] = input.RequestAttributes.IPAddress
	}
	if input.RequestAttributes.UserAgent != "" {
		result["user_agent"] = input.RequestAttributes.UserAgent
	}

	maps.Copy(result, input.RequestAttributes.Additional)

	return result, nil
}
