// Package tmpl resolves {{ path }} references in task inputs against a
// context of {params, targets, state}. The grammar is deliberately small:
// dot-separated identifiers with optional numeric indices, no expressions.
package tmpl

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\[\]-]+)\s*\}\}`)

// Context is the reference-resolution root.
type Context struct {
	Params  map[string]any
	Targets map[string]any
	State   map[string]any
}

func (c *Context) root() map[string]any {
	return map[string]any{
		"params":  c.Params,
		"targets": c.Targets,
		"state":   c.State,
	}
}

// Resolve deep-resolves references in v. Maps and lists are walked; strings
// containing references are substituted. A string that is exactly one
// reference resolves to the referenced value itself so structured outputs
// can flow between tasks; otherwise scalars are interpolated as text and
// missing paths render empty.
func Resolve(v any, ctx *Context) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Resolve(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Resolve(val, ctx)
		}
		return out
	case string:
		return resolveString(x, ctx)
	default:
		return v
	}
}

func resolveString(s string, ctx *Context) any {
	m := refPattern.FindStringSubmatch(s)
	if m != nil && m[0] == strings.TrimSpace(s) {
		val, _ := Lookup(m[1], ctx)
		if val == nil {
			return ""
		}
		return val
	}
	return refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := refPattern.FindStringSubmatch(ref)[1]
		val, ok := Lookup(path, ctx)
		if !ok || val == nil {
			return ""
		}
		return stringify(val)
	})
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Lookup navigates a dot path (with optional [idx] indices) from the context
// root. The second return reports whether the full path resolved.
func Lookup(path string, ctx *Context) (any, bool) {
	var cur any = ctx.root()
	for _, seg := range strings.Split(path, ".") {
		for _, part := range splitIndices(seg) {
			if part.index >= 0 {
				list, ok := cur.([]any)
				if !ok || part.index >= len(list) {
					return nil, false
				}
				cur = list[part.index]
				continue
			}
			cur = field(cur, part.key)
			if cur == nil {
				return nil, false
			}
		}
	}
	return cur, true
}

type pathPart struct {
	key   string
	index int // -1 for key parts
}

// splitIndices turns "items[2]" into [{key:items} {index:2}].
func splitIndices(seg string) []pathPart {
	var parts []pathPart
	for {
		open := strings.IndexByte(seg, '[')
		if open < 0 {
			if seg != "" {
				parts = append(parts, pathPart{key: seg, index: -1})
			}
			return parts
		}
		if open > 0 {
			parts = append(parts, pathPart{key: seg[:open], index: -1})
		}
		close := strings.IndexByte(seg, ']')
		if close < open {
			return parts
		}
		idx, err := strconv.Atoi(seg[open+1 : close])
		if err != nil {
			idx = -1
		}
		parts = append(parts, pathPart{index: idx})
		seg = seg[close+1:]
	}
}

func field(v any, key string) any {
	switch x := v.(type) {
	case map[string]any:
		return x[key]
	case map[string]string:
		if s, ok := x[key]; ok {
			return s
		}
		return nil
	default:
		// Structured values that crossed a JSON boundary are maps; anything
		// else does not have fields.
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil
		}
		return m[key]
	}
}
