package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/edgeflare/pgtable/pkg/table"
)

// Response headers carrying the envelope counts.
const (
	HeaderTotalCount    = "X-Total-Count"
	HeaderFilteredCount = "X-Filtered-Count"
	HeaderPageCount     = "X-Page-Count"
)

// Prefer holds preferences from the Prefer header (RFC 7240).
type Prefer struct {
	Return string // "representation", "headers-only"
}

// parsePrefer parses the Prefer header according to RFC 7240.
// It returns nil if the header is not present. An unsupported return
// preference is a validation error.
func parsePrefer(r *http.Request) (*Prefer, error) {
	header := r.Header.Get("Prefer")
	if header == "" {
		return nil, nil
	}

	p := &Prefer{Return: "representation"}
	var verr *table.ValidationError
	parseKeyValPairs(header, func(key, value string) {
		if key != "return" {
			return
		}
		if !isValidReturn(value) {
			if verr == nil {
				verr = &table.ValidationError{}
			}
			verr.Violations = append(verr.Violations, table.Violation{
				Field:   "Prefer",
				Message: fmt.Sprintf("unsupported return preference %q", value),
			})
			return
		}
		p.Return = strings.ToLower(value)
	})
	if verr != nil {
		return nil, verr
	}
	return p, nil
}

// parseKeyValPairs parses comma-separated preference directives.
// For each key=value pair found, it calls fn with the key and value.
func parseKeyValPairs(header string, fn func(key, value string)) {
	for pref := range strings.SplitSeq(header, ",") {
		pref = strings.TrimSpace(pref)
		if key, value, found := strings.Cut(pref, "="); found {
			key = strings.TrimSpace(strings.ToLower(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			fn(key, value)
		}
	}
}

func isValidReturn(s string) bool {
	switch strings.ToLower(s) {
	case "representation", "headers-only":
		return true
	}
	return false
}

// WantsHeadersOnly reports whether the client only wants the count headers.
func (p *Prefer) WantsHeadersOnly() bool {
	return p != nil && p.Return == "headers-only"
}

func setCountHeaders(h http.Header, env *table.Envelope) {
	h.Set(HeaderTotalCount, strconv.Itoa(env.Counts.Total))
	h.Set(HeaderFilteredCount, strconv.Itoa(env.Counts.Filtered))
	h.Set(HeaderPageCount, strconv.Itoa(env.Pages.Total))
}
