package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// variablePattern matches ${ key } with optional surrounding whitespace.
// A compiled Regexp carries no match state, so one instance serves all calls.
var variablePattern = regexp.MustCompile(`\$\{\s*([A-Za-z0-9_.-]+)\s*\}`)

// resolveVariables extracts the top-level Variables object and expands
// variable references between variables, rejecting circular definitions.
func resolveVariables(doc map[string]interface{}) (map[string]string, error) {
	raw, _ := doc["Variables"].(map[string]interface{})

	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("variable %s must be a string", k)
		}
		vars[strings.ToLower(k)] = s
	}

	resolved := make(map[string]string, len(vars))
	visiting := make(map[string]bool)

	var resolve func(key string) (string, error)
	resolve = func(key string) (string, error) {
		if v, done := resolved[key]; done {
			return v, nil
		}
		if visiting[key] {
			return "", fmt.Errorf("circular variable reference: %s", key)
		}
		visiting[key] = true
		defer delete(visiting, key)

		value, err := expandString(vars[key], func(ref string) (string, error) {
			if _, ok := vars[ref]; ok {
				return resolve(ref)
			}
			return lookupEnv(ref)
		})
		if err != nil {
			return "", err
		}
		resolved[key] = value
		return value, nil
	}

	for key := range vars {
		if _, err := resolve(key); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// ExpandValue walks a decoded JSON value and expands ${key} references in
// every string, recursing through objects and arrays. Array order is
// preserved. Keys are matched case-insensitively against the variables, then
// against the process environment; an unresolved key is an error.
func ExpandValue(v interface{}, vars map[string]string) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return expandString(val, func(ref string) (string, error) {
			if resolved, ok := vars[ref]; ok {
				return resolved, nil
			}
			return lookupEnv(ref)
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			expanded, err := ExpandValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			expanded, err := ExpandValue(inner, vars)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return v, nil
	}
}

// expandString replaces every ${key} occurrence using lookup. The input is
// returned unchanged when it contains no reference, which makes expansion
// idempotent on already-expanded strings.
func expandString(s string, lookup func(string) (string, error)) (string, error) {
	matches := variablePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		key := strings.ToLower(s[m[2]:m[3]])
		value, err := lookup(key)
		if err != nil {
			return "", err
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(value)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookupEnv resolves a reference against the process environment, trying the
// literal key and its upper-cased form.
func lookupEnv(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok {
		return v, nil
	}
	if v, ok := os.LookupEnv(strings.ToUpper(key)); ok {
		return v, nil
	}
	return "", fmt.Errorf("undefined variable: %s", key)
}
