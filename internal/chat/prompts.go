package chat

import "fmt"

// ContinuePrompt is appended as a user turn when an answer was cut off by
// the output token ceiling.
const ContinuePrompt = `Continue your prior response. IMPORTANT: Immediately begin from where you left off without any interruptions.
Do not repeat any content, including artifact and action tags.`

const enhancerTemplate = "I want you to improve the user prompt that is wrapped in `<original_prompt>` tags.\n\n" +
	"IMPORTANT: Only respond with the improved prompt and nothing else!\n\n" +
	"<original_prompt>\n%s\n</original_prompt>"

func enhancerPrompt(prompt string) string {
	return fmt.Sprintf(enhancerTemplate, prompt)
}
