package models

import (
	"strconv"
	"strings"
)

// ResolvePath walks a decoded JSON payload by a dotted path with
// optional bracket indices ("items[0].amount") and returns the value at
// that location. The second return reports whether the full path was
// found; a stored null resolves as (nil, true).
func ResolvePath(payload any, path string) (any, bool) {
	if path == "" {
		return payload, true
	}

	current := payload

	for _, token := range splitPathTokens(path) {
		switch node := current.(type) {
		case map[string]any:
			if token.index >= 0 {
				return nil, false
			}

			value, ok := node[token.field]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			if token.index < 0 || token.index >= len(node) {
				return nil, false
			}

			current = node[token.index]
		default:
			return nil, false
		}
	}

	return current, true
}

// CollectUniqueFields walks the payload tree and returns every field
// name that appears exactly once, with its value. Used for convenience
// bindings on validators that allow free-form targets.
func CollectUniqueFields(payload any) map[string]any {
	counts := make(map[string]int)
	values := make(map[string]any)

	var walk func(node any)
	walk = func(node any) {
		switch n := node.(type) {
		case map[string]any:
			for key, value := range n {
				counts[key]++
				values[key] = value

				walk(value)
			}
		case []any:
			for _, value := range n {
				walk(value)
			}
		}
	}

	walk(payload)

	unique := make(map[string]any)

	for key, count := range counts {
		if count == 1 {
			unique[key] = values[key]
		}
	}

	return unique
}

type pathToken struct {
	field string
	index int // -1 for field access
}

func splitPathTokens(path string) []pathToken {
	var tokens []pathToken

	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					tokens = append(tokens, pathToken{field: part, index: -1})
				}

				break
			}

			if open > 0 {
				tokens = append(tokens, pathToken{field: part[:open], index: -1})
			}

			closing := strings.IndexByte(part[open:], ']')
			if closing < 0 {
				// Unterminated bracket: treat the remainder as a field name.
				tokens = append(tokens, pathToken{field: part[open:], index: -1})

				break
			}

			idx, err := strconv.Atoi(part[open+1 : open+closing])
			if err != nil {
				tokens = append(tokens, pathToken{field: part[open+1 : open+closing], index: -1})
			} else {
				tokens = append(tokens, pathToken{index: idx})
			}

			part = part[open+closing+1:]
			if part == "" {
				break
			}
		}
	}

	return tokens
}
