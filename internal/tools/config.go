package tools

import "github.com/nugget/relay/internal/config"

// FromConfig converts a configured remote tool into a registry Tool.
// Server-level category applies when the tool sets none.
func FromConfig(tc config.ToolConfig, serverCategory string) *Tool {
	t := &Tool{
		Name:        tc.Name,
		Description: tc.Description,
		Category:    tc.Category,
		Server:      tc.Server,
	}
	if t.Category == "" {
		t.Category = serverCategory
	}
	for _, ac := range tc.Actions {
		t.Actions = append(t.Actions, &Action{
			Name:        ac.Name,
			RemoteName:  ac.RemoteName,
			Description: ac.Description,
			Intents:     ac.Intents,
			QueryArg:    ac.QueryArg,
			Defaults:    ac.Defaults,
			Schema:      ac.Schema,
			Fallback:    ac.Fallback,
		})
	}
	return t
}
