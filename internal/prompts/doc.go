// Package prompts contains every prompt template Mnemon sends to the
// completion service.
//
// Prompt text is Go code rather than config because it is program logic:
// the reply parsers in package intent depend on the exact output format
// each template asks for (a bare number, or a <tag>...</tag> span).
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the interpolated
// prompt string.
package prompts
