// Package prompts contains the prompt templates relay sends to its
// reasoning backend.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and are validated by
// tests. Each prompt gets its own file with an exported function that
// accepts the dynamic parts and returns the interpolated prompt.
package prompts
