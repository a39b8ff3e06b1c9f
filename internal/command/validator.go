// Package command checks and resolves registered command line templates.
//
// A template parameter string may contain the reserved placeholders
// {cookieJar}, {url} and {targetFilePath}. Their values come from callers
// (an url can be attacker controlled), so every occurrence must be enclosed
// in a matching pair of double or single quotes. A template with a single
// bare occurrence is rejected as a whole and stays rejected.
package command

import (
	"strings"
	"sync"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// ValidationCache stores the validation result per template id. It is safe
// for concurrent use, the first stored value wins.
type ValidationCache struct {
	m sync.Map
}

func NewValidationCache() *ValidationCache {
	return &ValidationCache{}
}

func (c *ValidationCache) Load(id string) (ok bool, found bool) {
	v, found := c.m.Load(id)
	if !found {
		return false, false
	}
	return v.(bool), true
}

// Store records the result unless the id was already stored. It returns
// the value kept in the cache.
func (c *ValidationCache) Store(id string, ok bool) bool {
	v, _ := c.m.LoadOrStore(id, ok)
	return v.(bool)
}

// Validator memoizes quoting checks of templates.
type Validator struct {
	cache *ValidationCache
	scans func(model.CommandTemplate) bool
}

func NewValidator(cache *ValidationCache) *Validator {
	if cache == nil {
		cache = NewValidationCache()
	}
	return &Validator{cache: cache, scans: QuotedOnly}
}

// Validate reports whether the template quotes every reserved placeholder.
// Once an id is cached the template is not scanned again.
func (v *Validator) Validate(t model.CommandTemplate) bool {
	if ok, found := v.cache.Load(t.ID); found {
		return ok
	}
	return v.cache.Store(t.ID, v.scans(t))
}

// QuotedOnly is the uncached check: all quoted occurrences of the reserved
// placeholders are removed from a copy of the parameters, anything left
// means a bare placeholder.
func QuotedOnly(t model.CommandTemplate) bool {
	cleaned := t.Parameters
	for _, p := range model.ReservedPlaceholders() {
		cleaned = strings.ReplaceAll(cleaned, `"`+p+`"`, "")
		cleaned = strings.ReplaceAll(cleaned, `'`+p+`'`, "")
	}
	for _, p := range model.ReservedPlaceholders() {
		if strings.Contains(cleaned, p) {
			return false
		}
	}
	return true
}
