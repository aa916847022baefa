package dispatch

import "strings"

// RenderTemplate substitutes literal {{name}} variables in s. There are
// no conditionals and no loops; unknown variables are left in place so
// a missing value is visible in the delivered message rather than
// silently dropped.
func RenderTemplate(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	out := s
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}

// templateVars extracts the "variables" metadata key as a string map.
// Values arriving from JSON are interface{}, so non-string values are
// skipped.
func templateVars(m Metadata) map[string]string {
	if m == nil {
		return nil
	}
	raw, ok := m["variables"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
