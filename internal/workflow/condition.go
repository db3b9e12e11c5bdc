package workflow

import (
	"fmt"
	"strings"

	"github.com/thanigaiv/oncallforge/internal/model"
)

// evalConditions AND-combines every condition, per spec §4.6 ("all of a
// trigger's conditions must hold"). An empty condition list always holds.
func evalConditions(conds []model.Condition, ctx map[string]interface{}) bool {
	for _, c := range conds {
		if !evalCondition(c, ctx) {
			return false
		}
	}
	return true
}

func evalCondition(c model.Condition, ctx map[string]interface{}) bool {
	val, ok := lookupPath(ctx, c.Field)
	if !ok {
		return false
	}
	switch c.Op {
	case "equals", "":
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", c.Value)
	default:
		return false
	}
}

// lookupPath resolves a dotted path ("incident.priority") against a tree
// of nested map[string]interface{} values.
func lookupPath(ctx map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = ctx
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// interpolate replaces "{{dotted.path}}" placeholders in every string
// value of params with its resolved value from the template context,
// leaving non-string values untouched.
func interpolate(params map[string]interface{}, tc TemplateContext) map[string]interface{} {
	if params == nil {
		return nil
	}
	ctx := asMap(tc)
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = interpolateString(s, ctx)
	}
	return out
}

func interpolateString(s string, ctx map[string]interface{}) string {
	for strings.Contains(s, "{{") {
		start := strings.Index(s, "{{")
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			break
		}
		end += start
		path := strings.TrimSpace(s[start+2 : end])
		val, ok := lookupPath(ctx, path)
		replacement := ""
		if ok {
			replacement = fmt.Sprintf("%v", val)
		}
		s = s[:start] + replacement + s[end+2:]
	}
	return s
}
