package table

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// RowNumberColumn is the reserved column filled with the 1-based position of
// a row across pages.
const RowNumberColumn = "#"

// Direction is the decoded sort direction of an order key.
type Direction int

const (
	Skip Direction = iota
	Ascending
	Descending
)

// DirectionFromSign maps a signed integer to a Direction: negative is
// descending, zero skips the key, positive is ascending.
func DirectionFromSign(n int64) Direction {
	switch {
	case n < 0:
		return Descending
	case n > 0:
		return Ascending
	default:
		return Skip
	}
}

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "asc"
	case Descending:
		return "desc"
	default:
		return "skip"
	}
}

// Bind scopes the query to records related to the referenced record.
type Bind struct {
	Relation string
	ID       any
}

// Condition is a single filter entry. A nil Value means the entry is ignored.
type Condition struct {
	Field string
	Value any
}

// OrderKey is a single order entry in request order.
type OrderKey struct {
	Field     string
	Direction Direction
}

// Request is the normalized view of a table request. Binds, Filter and Order
// keep the key order of the incoming document.
type Request struct {
	Binds          []Bind
	Controls       []string
	Actions        []string
	Filter         []Condition
	InvertedFilter map[string]bool
	FreeSearch     string
	Columns        []string
	Order          []OrderKey
	Page           int
	PerPage        int

	// Raw is the request document as received, if it was parsed from one.
	Raw json.RawMessage
}

// Inverted reports whether the filter on field is negated.
func (r *Request) Inverted(field string) bool {
	return r.InvertedFilter[field]
}

// HasColumn reports whether column was requested.
func (r *Request) HasColumn(column string) bool {
	return slices.Contains(r.Columns, column)
}

// Offset is the number of records on the pages before the requested one.
func (r *Request) Offset() int {
	return (r.Page - 1) * r.PerPage
}

// Validate checks a programmatically built request and applies defaults:
// a zero Page or PerPage becomes 1.
func (r *Request) Validate() error {
	verr := &ValidationError{}
	if r.Page < 0 {
		verr.add("page", "must be at least 1")
	}
	if r.PerPage < 0 {
		verr.add("perPage", "must be at least 1")
	}
	if r.Page == 0 {
		r.Page = 1
	}
	if r.PerPage == 0 {
		r.PerPage = 1
	}
	for i, b := range r.Binds {
		if b.Relation == "" {
			verr.add("binds."+strconv.Itoa(i), "relation name is empty")
		}
	}
	for _, k := range r.Order {
		if k.Direction < Skip || k.Direction > Descending {
			verr.add("order."+k.Field, "unknown direction %d", k.Direction)
		}
	}
	return verr.orNil()
}

// ParseRequest decodes a table request document. Absent or null sections are
// empty. Structural problems are reported together in a *ValidationError.
func ParseRequest(body []byte) (*Request, error) {
	verr := &ValidationError{}
	if !gjson.ValidBytes(body) {
		verr.add("", "body is not valid JSON")
		return nil, verr
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		verr.add("", "body must be an object")
		return nil, verr
	}

	req := &Request{
		Raw:            json.RawMessage(slices.Clone(body)),
		InvertedFilter: map[string]bool{},
	}

	req.Controls = parseIdentifiers(root.Get("controls"), "controls", verr)
	req.Actions = parseIdentifiers(root.Get("actions"), "actions", verr)
	req.Columns = parseIdentifiers(root.Get("columns"), "columns", verr)

	forEachKey(root.Get("binds"), "binds", verr, func(key string, v gjson.Result) {
		switch v.Type {
		case gjson.Null, gjson.String, gjson.Number:
			req.Binds = append(req.Binds, Bind{Relation: key, ID: scalar(v)})
		default:
			verr.add("binds."+key, "must be a string, number or null")
		}
	})

	forEachKey(root.Get("filter"), "filter", verr, func(key string, v gjson.Result) {
		if v.IsArray() || v.IsObject() {
			verr.add("filter."+key, "must be a scalar or null")
			return
		}
		req.Filter = append(req.Filter, Condition{Field: key, Value: scalar(v)})
	})

	forEachKey(root.Get("invertedFilter"), "invertedFilter", verr, func(key string, v gjson.Result) {
		switch v.Type {
		case gjson.True, gjson.False:
			req.InvertedFilter[key] = v.Bool()
		case gjson.Null:
		default:
			verr.add("invertedFilter."+key, "must be a boolean")
		}
	})

	if fs := root.Get("freeSearch"); fs.Exists() {
		switch fs.Type {
		case gjson.String:
			req.FreeSearch = fs.Str
		case gjson.Null:
		default:
			verr.add("freeSearch", "must be a string")
		}
	}

	forEachKey(root.Get("order"), "order", verr, func(key string, v gjson.Result) {
		n, ok := sign(v)
		if !ok {
			verr.add("order."+key, "order key '%s' must be an integer", key)
			return
		}
		req.Order = append(req.Order, OrderKey{Field: key, Direction: DirectionFromSign(n)})
	})

	req.Page = parsePageNumber(root.Get("page"), "page", verr)
	req.PerPage = parsePageNumber(root.Get("perPage"), "perPage", verr)

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return req, nil
}

func parseIdentifiers(v gjson.Result, field string, verr *ValidationError) []string {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if !v.IsArray() {
		verr.add(field, "must be an array")
		return nil
	}
	var ids []string
	for i, item := range v.Array() {
		if item.Type != gjson.String {
			verr.add(field+"."+strconv.Itoa(i), "must be a string")
			continue
		}
		ids = append(ids, item.Str)
	}
	return ids
}

func forEachKey(v gjson.Result, field string, verr *ValidationError, fn func(key string, v gjson.Result)) {
	if !v.Exists() || v.Type == gjson.Null {
		return
	}
	// clients serialize empty maps as [] often enough
	if v.IsArray() && len(v.Array()) == 0 {
		return
	}
	if !v.IsObject() {
		verr.add(field, "must be an object")
		return
	}
	v.ForEach(func(key, value gjson.Result) bool {
		fn(key.String(), value)
		return true
	})
}

func parsePageNumber(v gjson.Result, field string, verr *ValidationError) int {
	if !v.Exists() || v.Type == gjson.Null {
		return 1
	}
	if integral(v) {
		switch {
		case v.Num < 1:
			verr.add(field, "must be at least 1")
			return 1
		case v.Num > math.MaxInt32:
			verr.add(field, "is too large")
			return 1
		}
		return int(v.Num)
	}
	n, ok := integer(v)
	if !ok {
		verr.add(field, "must be an integer")
		return 1
	}
	if n < 1 {
		verr.add(field, "must be at least 1")
		return 1
	}
	if n > math.MaxInt32 {
		verr.add(field, "is too large")
		return 1
	}
	return int(n)
}

// integral reports whether v is a whole JSON number, whatever its magnitude.
func integral(v gjson.Result) bool {
	return v.Type == gjson.Number && v.Num == math.Trunc(v.Num) && !math.IsInf(v.Num, 0)
}

// sign returns -1, 0 or 1 for an integer value. Whole numbers outside the
// int64 range keep their sign.
func sign(v gjson.Result) (int64, bool) {
	if integral(v) {
		switch {
		case v.Num > 0:
			return 1, true
		case v.Num < 0:
			return -1, true
		}
		return 0, true
	}
	n, ok := integer(v)
	if !ok {
		return 0, false
	}
	switch {
	case n > 0:
		return 1, true
	case n < 0:
		return -1, true
	}
	return 0, true
}

// integer accepts JSON integers and numeric strings holding an integer.
// Numbers outside the int64 range are rejected.
func integer(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			if !integral(v) || math.Abs(v.Num) >= math.Exp2(63) {
				return 0, false
			}
			return int64(v.Num), true
		}
		n, err := strconv.ParseInt(v.Raw, 10, 64)
		return n, err == nil
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// scalar converts a JSON value to Go, keeping integral numbers as int64 so
// identifiers compare equal to integer keys.
func scalar(v gjson.Result) any {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.Number:
		if !strings.ContainsAny(v.Raw, ".eE") {
			if n, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
				return n
			}
		}
		return v.Num
	case gjson.String:
		return v.Str
	case gjson.True, gjson.False:
		return v.Bool()
	default:
		return v.Value()
	}
}
