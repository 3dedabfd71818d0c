package item

import (
	"fmt"
	"strings"
)

// DefaultNamespace is used for ids written without an explicit namespace.
const DefaultNamespace = "core"

// ID is a namespaced item identifier ("namespace:path").
type ID struct {
	Namespace string
	Path      string
}

func (id ID) String() string {
	if id.Namespace == "" && id.Path == "" {
		return ""
	}
	return id.Namespace + ":" + id.Path
}

func (id ID) IsZero() bool { return id.Namespace == "" && id.Path == "" }

// ParseID parses "ns:path" or "path" (defaultNS is used for the latter).
func ParseID(s, defaultNS string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("empty item id")
	}
	ns, path := defaultNS, s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		ns, path = s[:i], s[i+1:]
	}
	if ns == "" || !validChars(ns, false) {
		return ID{}, fmt.Errorf("bad namespace in item id %q", s)
	}
	if path == "" || !validChars(path, true) {
		return ID{}, fmt.Errorf("bad path in item id %q", s)
	}
	return ID{Namespace: ns, Path: path}, nil
}

// MustID is ParseID for literals; it panics on bad input.
func MustID(s string) ID {
	id, err := ParseID(s, DefaultNamespace)
	if err != nil {
		panic(err)
	}
	return id
}

func validChars(s string, allowSlash bool) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		case c == '/' && allowSlash:
		default:
			return false
		}
	}
	return true
}

// Stack is one item instance as reported by the host: an id, a count, the
// item groups it belongs to, and (for containers) the stacks in its slots.
type Stack struct {
	ID    ID
	Count int
	Tags  []string

	// Contents holds the declared child slots of a container. Empty slots are
	// zero-value stacks.
	Contents []Stack

	// Handle is the host's stable opaque identifier for a movable
	// sub-container (e.g. a detachable backpack). Empty for plain items.
	Handle string
}

func (s Stack) IsEmpty() bool { return s.ID.IsZero() || s.Count <= 0 }

// HasTag reports whether the stack belongs to the given item group.
func (s Stack) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
