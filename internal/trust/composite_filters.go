package trust

import (
	"fmt"
	"strings"

	"github.com/crossfed-io/crossfed/internal/request"
)

// AnyValidatorFilter allows a validator when any of its sub-filters does.
// Sub-filter errors are collected rather than short-circuiting, so one broken
// filter cannot lock an actor out of validators another filter would grant.
type AnyValidatorFilter struct {
	filters []ValidatorFilter
}

// NewAnyValidatorFilter composes filters with OR semantics.
func NewAnyValidatorFilter(filters ...ValidatorFilter) *AnyValidatorFilter {
	return &AnyValidatorFilter{filters: filters}
}

// IsAllowed implements ValidatorFilter. Returns true on the first sub-filter
// that allows. Returns an error only when every sub-filter denied and at
// least one of them errored.
func (f *AnyValidatorFilter) IsAllowed(actor *Result, validatorName string, requestAttrs *request.RequestAttributes) (bool, error) {
	if len(f.filters) == 0 {
		return false, fmt.Errorf("no filters configured")
	}

	var errors []string
	for i, filter := range f.filters {
		allowed, err := filter.IsAllowed(actor, validatorName, requestAttrs)
		if err != nil {
			errors = append(errors, fmt.Sprintf("filter %d: %v", i, err))
			continue
		}
		if allowed {
			return true, nil
		}
	}

	if len(errors) > 0 {
		return false, fmt.Errorf("all filters failed: %s", strings.Join(errors, "; "))
	}

	return false, nil
}
