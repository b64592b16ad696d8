package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// Projection is the derived, read-only view of resolved instance
// attributes. Keys are "<instance>.<attribute>" (e.g. "broker-0.port",
// "zookeeper.connect"). It is recomputed from the live instance set on
// demand and never mutated by consumers; instances contribute to it only
// by advancing through their lifecycle and publishing attributes.
type Projection map[string]string

// Key builds a projection key from an instance name and attribute.
func Key(instance, attribute string) string {
	return instance + "." + attribute
}

// Value returns the value for an instance attribute, reporting whether
// it is resolved.
func (p Projection) Value(instance, attribute string) (string, bool) {
	v, ok := p[Key(instance, attribute)]
	return v, ok
}

// ForInstance returns the attribute map of a single instance, with the
// instance prefix stripped.
func (p Projection) ForInstance(instance string) map[string]string {
	prefix := instance + "."
	out := make(map[string]string)
	for k, v := range p {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Keys returns all projection keys in sorted order.
func (p Projection) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environ renders the projection as environment-variable assignments.
// Keys are uppercased with dots and dashes mapped to underscores, e.g.
// "broker-0.port" becomes "BROKER_0_PORT=...". The slice is sorted for
// deterministic output.
func (p Projection) Environ() []string {
	env := make([]string, 0, len(p))
	for k, v := range p {
		env = append(env, fmt.Sprintf("%s=%s", envKey(k), v))
	}
	sort.Strings(env)
	return env
}

// envKey maps a projection key to an environment-variable name.
func envKey(key string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', ' ':
			return '_'
		default:
			return r
		}
	}, key)
	return strings.ToUpper(mapped)
}

// Resolve expands ${instance.attribute} and ${attribute} references in s.
// Local attributes are looked up in local first, then the full projection.
// Unresolved references are left intact so callers can detect them.
func (p Projection) Resolve(s string, local map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(s, "${")
		if start < 0 {
			out.WriteString(s)
			break
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			out.WriteString(s)
			break
		}
		end += start

		out.WriteString(s[:start])
		ref := s[start+2 : end]

		if v, ok := local[ref]; ok {
			out.WriteString(v)
		} else if v, ok := p[ref]; ok {
			out.WriteString(v)
		} else {
			out.WriteString(s[start : end+1])
		}
		s = s[end+1:]
	}
	return out.String()
}
