package retriever

import (
	"fmt"
	"strings"

	"github.com/osgrep/osgrep-core/internal/storage"
)

// Op names a leaf comparison in the filter DSL.
type Op string

const (
	OpEquals     Op = "equals"
	OpStartsWith Op = "starts_with"
	OpContains   Op = "contains"
	OpIn         Op = "in"
)

// Filter is either a leaf condition (Key/Op/Value set) or a combinator
// (All/Any/Not set) over nested Filters, matching spec.md §4.6's
// "all/any/not over {key, op, value}" DSL. A value is never both a leaf
// and a combinator.
type Filter struct {
	All []Filter `json:"all,omitempty"`
	Any []Filter `json:"any,omitempty"`
	Not *Filter  `json:"not,omitempty"`

	Key   string `json:"key,omitempty"`
	Op    Op     `json:"op,omitempty"`
	Value any    `json:"value,omitempty"`
}

// supportedKeys are the chunk fields the DSL can address. path_prefix is
// handled separately as a storage-level pushdown (§4.6 stage 1); these
// are evaluated in-memory against already-fetched candidates, since the
// store's SearchFilters only covers a fixed shape, not an arbitrary
// boolean tree.
var supportedKeys = map[string]bool{
	"path": true, "language": true, "kind": true, "role": true,
}

// Match evaluates f against chunk c. A nil Filter matches everything.
func (f *Filter) Match(c storage.Chunk) bool {
	if f == nil {
		return true
	}
	if len(f.All) > 0 {
		for _, sub := range f.All {
			if !sub.Match(c) {
				return false
			}
		}
		return true
	}
	if len(f.Any) > 0 {
		for _, sub := range f.Any {
			if sub.Match(c) {
				return true
			}
		}
		return false
	}
	if f.Not != nil {
		return !f.Not.Match(c)
	}
	return matchLeaf(f.Key, f.Op, f.Value, c)
}

// Validate reports whether f names only supported keys/ops, recursively.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for _, sub := range f.All {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range f.Any {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if f.Not != nil {
		if err := f.Not.Validate(); err != nil {
			return err
		}
	}
	if f.Key == "" {
		return nil
	}
	if !supportedKeys[f.Key] {
		return fmt.Errorf("retriever: unsupported filter key %q", f.Key)
	}
	switch f.Op {
	case OpEquals, OpStartsWith, OpContains, OpIn:
	default:
		return fmt.Errorf("retriever: unsupported filter op %q", f.Op)
	}
	return nil
}

func matchLeaf(key string, op Op, value any, c storage.Chunk) bool {
	field := fieldValue(key, c)
	switch op {
	case OpEquals:
		s, ok := value.(string)
		return ok && field == s
	case OpStartsWith:
		s, ok := value.(string)
		return ok && strings.HasPrefix(field, s)
	case OpContains:
		s, ok := value.(string)
		return ok && strings.Contains(field, s)
	case OpIn:
		items, ok := value.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if s, ok := item.(string); ok && s == field {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func fieldValue(key string, c storage.Chunk) string {
	switch key {
	case "path":
		return c.Path
	case "language":
		return c.Language
	case "kind":
		return string(c.Kind)
	case "role":
		return string(c.Role)
	default:
		return ""
	}
}
