package prompts

import (
	"fmt"
	"strings"
)

// correctionSystem is the system message for failure analysis.
const correctionSystem = `You repair failed tool calls for an automated assistant.

You are given one tool call that failed, the error it produced and the
argument schema the tool accepts. Propose a single corrected call that
addresses the error. Keep the user's intent. Do not invent facts.

Answer with one JSON object and nothing else:
  {"action": "<action name>", "args": {...}, "rationale": "<short reason>"}
Use an action from the allowed list. If no correction is plausible, answer
  {"none": true}`

const correctionTemplate = `Tool: %s
Action: %s
Allowed actions: %s
Attempt: %d
Failure status: %s

Arguments sent:
%s

Error:
%s

Argument schema:
%s`

// CorrectionInput carries the dynamic parts of a correction prompt.
// JSON fields are pre-encoded by the caller.
type CorrectionInput struct {
	Tool       string
	Action     string
	Actions    []string
	Attempt    int
	Status     string
	ArgsJSON   string
	SchemaJSON string
	Detail     string
}

// CorrectionSystemPrompt returns the system message for failure analysis.
func CorrectionSystemPrompt() string {
	return correctionSystem
}

// CorrectionPrompt returns the user message describing a failed call.
func CorrectionPrompt(in CorrectionInput) string {
	actions := strings.Join(in.Actions, ", ")
	if actions == "" {
		actions = in.Action
	}
	schema := in.SchemaJSON
	if schema == "" {
		schema = "(none declared)"
	}
	detail := strings.TrimSpace(in.Detail)
	if detail == "" {
		detail = "(no error text)"
	}
	return fmt.Sprintf(correctionTemplate,
		in.Tool, in.Action, actions, in.Attempt, in.Status,
		in.ArgsJSON, detail, schema)
}
