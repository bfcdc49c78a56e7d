package table

import (
	"fmt"
	"strconv"
	"time"
)

// Predicate is a typed query condition. Stores translate predicates into
// their own query language; field names are never interpolated as values.
type Predicate interface {
	predicate()
}

// CompareOp is the operator of a Compare predicate.
type CompareOp int

const (
	Less CompareOp = iota
	LessOrEqual
	Greater
	GreaterOrEqual
)

// Contains matches records whose field, rendered as text, contains Value.
// A null field renders as the empty string. Case folding is left to the store.
type Contains struct {
	Field string
	Value string
}

// Equals matches records whose field equals Value. A nil Value matches null.
type Equals struct {
	Field string
	Value any
}

// In matches records whose field equals any of Values.
type In struct {
	Field  string
	Values []any
}

// Compare matches records whose field compares to Value with Op.
type Compare struct {
	Field string
	Op    CompareOp
	Value any
}

// IsNull matches records whose field is null.
type IsNull struct {
	Field string
}

// AnyOf matches records matching at least one predicate. An empty AnyOf matches nothing.
type AnyOf []Predicate

// AllOf matches records matching every predicate. An empty AllOf matches everything.
type AllOf []Predicate

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Contains) predicate() {}
func (Equals) predicate()   {}
func (In) predicate()       {}
func (Compare) predicate()  {}
func (IsNull) predicate()   {}
func (AnyOf) predicate()    {}
func (AllOf) predicate()    {}
func (Not) predicate()      {}

// Stringify renders a filter value the way the default filter matches it.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
