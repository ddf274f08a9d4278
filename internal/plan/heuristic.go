package plan

import (
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"strings"
)

// heuristic is one entry of the fallback correction table. match selects
// the failures it applies to; fix returns nil when it has nothing to
// offer for this particular step.
type heuristic struct {
	name  string
	match func(Outcome) bool
	fix   func(Step, Outcome) *Correction
}

// heuristics is consulted in order; the first valid correction wins.
var heuristics = []heuristic{
	{name: "unknown_action", match: detailHas(StatusToolError, "unknown tool", "unknown action", "method not found", "no such tool", "tool not found"), fix: fixUnknownAction},
	{name: "missing_field", match: detailHas(StatusToolError, "missing", "required"), fix: fixMissingField},
	{name: "syntax", match: detailHas(StatusToolError, "syntax", "parse error", "malformed", "invalid query", "unexpected token", "unbalanced"), fix: fixSyntax},
	{name: "rate_limit", match: isRateLimit, fix: fixReduceLimit("rate limited")},
	{name: "timeout", match: func(o Outcome) bool { return o.Status == StatusTimeout }, fix: fixReduceLimit("timed out")},
	{name: "no_results", match: detailHas(StatusToolError, "no results", "0 results", "nothing found", "no matches", "no documents"), fix: fixNoResults},
}

func detailHas(status Status, needles ...string) func(Outcome) bool {
	return func(o Outcome) bool {
		if o.Status != status {
			return false
		}
		d := strings.ToLower(o.Detail)
		for _, n := range needles {
			if strings.Contains(d, n) {
				return true
			}
		}
		return false
	}
}

func isRateLimit(o Outcome) bool {
	if o.Code == http.StatusTooManyRequests {
		return true
	}
	d := strings.ToLower(o.Detail)
	return strings.Contains(d, "rate limit") || strings.Contains(d, "too many requests")
}

func fixUnknownAction(step Step, _ Outcome) *Correction {
	fb := step.Ref.Fallback()
	if fb == "" || fb == step.Action {
		return nil
	}
	args := step.Clone().Args
	if q := step.Ref.QueryArg(); q != "" {
		// Action-specific defaults do not carry over to the fallback.
		if v, ok := args[q]; ok {
			args = map[string]any{q: v}
		}
	}
	return &Correction{
		Action:    fb,
		Args:      args,
		Rationale: fmt.Sprintf("action %s unknown to server; falling back to %s", step.Action, fb),
	}
}

// missingFieldRe extracts a field name from common validator and server
// messages ("missing field: project", "missing required property 'x'",
// `"key" is required`).
var missingFieldRe = []*regexp.Regexp{
	regexp.MustCompile(`(?i)missing (?:required )?(?:field|property|parameter|argument|key)s?[:\s]+['"\x60]?([A-Za-z_][A-Za-z0-9_.]*)`),
	regexp.MustCompile(`(?i)['"\x60]([A-Za-z_][A-Za-z0-9_.]*)['"\x60] is required`),
	regexp.MustCompile(`(?i)missing properties: ['"\x60]?([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`(?i)required (?:field|property|parameter) ['"\x60]?([A-Za-z_][A-Za-z0-9_]*)`),
}

func fixMissingField(step Step, o Outcome) *Correction {
	field := ""
	for _, re := range missingFieldRe {
		if m := re.FindStringSubmatch(o.Detail); m != nil {
			field = m[1]
			break
		}
	}
	if field == "" {
		// Fall back to the first required property the arguments lack.
		for _, r := range step.Ref.Required() {
			if _, ok := step.Args[r]; !ok {
				field = r
				break
			}
		}
	}
	if field == "" {
		return nil
	}
	if _, present := step.Args[field]; present {
		return nil
	}

	value, ok := fieldValue(step, field)
	if !ok {
		return nil
	}
	args := step.Clone().Args
	args[field] = value
	return &Correction{
		Args:      args,
		Rationale: fmt.Sprintf("supplied missing field %s", field),
	}
}

// fieldValue finds a value for a missing field: action defaults, then
// the schema's default, const or first enum value, then the query text
// for string fields.
func fieldValue(step Step, field string) (any, bool) {
	if v, ok := step.Ref.Defaults()[field]; ok {
		return v, true
	}
	props, _ := step.Ref.Schema()["properties"].(map[string]any)
	prop, _ := props[field].(map[string]any)
	if v, ok := prop["default"]; ok {
		return v, true
	}
	if v, ok := prop["const"]; ok {
		return v, true
	}
	if enum, ok := prop["enum"].([]any); ok && len(enum) > 0 {
		return enum[0], true
	}
	if prop["type"] == "string" {
		if q, ok := step.Args[step.Ref.QueryArg()].(string); ok && q != "" {
			return q, true
		}
	}
	return nil, false
}

// querySpecials are characters that break common query grammars
// (Lucene, JQL, CQL, SQL LIKE).
var querySpecials = regexp.MustCompile(`[~*?^"'\\:(){}\[\]!|&<>=+/;%$#@` + "`" + `]+`)

var spaces = regexp.MustCompile(`\s+`)

func fixSyntax(step Step, _ Outcome) *Correction {
	key, q, ok := queryValue(step)
	if !ok {
		return nil
	}
	cleaned := strings.TrimSpace(spaces.ReplaceAllString(querySpecials.ReplaceAllString(q, " "), " "))
	if cleaned == "" || cleaned == q {
		return nil
	}
	args := step.Clone().Args
	args[key] = cleaned
	return &Correction{
		Args:      args,
		Rationale: "stripped query syntax characters",
	}
}

// limitKeys are argument names that bound result size.
var limitKeys = []string{"limit", "max_results", "maxResults", "top_k", "count", "page_size"}

func fixReduceLimit(reason string) func(Step, Outcome) *Correction {
	return func(step Step, _ Outcome) *Correction {
		for _, k := range limitKeys {
			n, ok := asInt(step.Args[k])
			if !ok || n <= 1 {
				continue
			}
			args := step.Clone().Args
			args[k] = n / 2
			return &Correction{
				Args:      args,
				Rationale: fmt.Sprintf("%s; reduced %s from %d to %d", reason, k, n, n/2),
			}
		}
		return nil
	}
}

// stopwords are dropped when broadening a query.
var stopwords = []string{
	"a", "an", "the", "of", "for", "to", "in", "on", "at", "is", "are", "was",
	"what", "whats", "how", "do", "does", "i", "we", "our", "my", "me", "can",
	"you", "please", "about", "with", "and", "or", "find", "search", "show",
	"tell", "look", "up", "get",
}

func fixNoResults(step Step, o Outcome) *Correction {
	key, q, ok := queryValue(step)
	if !ok {
		return fixUnknownAction(step, o)
	}
	var kept []string
	for _, w := range strings.Fields(querySpecials.ReplaceAllString(q, " ")) {
		if !slices.Contains(stopwords, strings.ToLower(w)) {
			kept = append(kept, w)
		}
	}
	broadened := strings.Join(kept, " ")
	if broadened == "" || broadened == q {
		return fixUnknownAction(step, o)
	}
	args := step.Clone().Args
	args[key] = broadened
	return &Correction{
		Args:      args,
		Rationale: "broadened query to its keywords",
	}
}

// queryValue returns the step's query argument, or the only string
// argument when the action declares none.
func queryValue(step Step) (string, string, bool) {
	if k := step.Ref.QueryArg(); k != "" {
		q, ok := step.Args[k].(string)
		return k, q, ok && q != ""
	}
	key, val := "", ""
	for k, v := range step.Args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if key != "" {
			return "", "", false
		}
		key, val = k, s
	}
	return key, val, key != "" && val != ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
