package plan

import (
	"fmt"
	"regexp"
)

// reservedNames are never resolved from the variables map regardless of
// its contents; they always stay literal in the substituted output.
var reservedNames = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// variableRef matches ${name} where name may contain letters, digits,
// underscore, dot, hyphen.
var variableRef = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)

// Substitute walks input (a nested map/slice/scalar tree, typically a
// step's input template) and replaces every ${name} occurrence in string
// leaves with the stringified value of variables[name], leaving the
// reference literal if the name is unknown or reserved. Non-string leaves
// pass through untouched.
func Substitute(input interface{}, variables map[string]interface{}) interface{} {
	switch v := input.(type) {
	case string:
		return substituteString(v, variables)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = Substitute(val, variables)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = Substitute(val, variables)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, variables map[string]interface{}) string {
	return variableRef.ReplaceAllStringFunc(s, func(match string) string {
		name := variableRef.FindStringSubmatch(match)[1]
		if _, reserved := reservedNames[name]; reserved {
			return match
		}
		val, ok := variables[name]
		if !ok {
			return match
		}
		return stringify(val)
	})
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
