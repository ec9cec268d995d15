package proposer

import (
	"strings"

	"github.com/sundai-club/tasks-auto-complete/api/schemas"
)

const systemPrompt = `You write instructions for an assistant that fills out web forms for a user.
Respond with ONLY a JSON object of the form {"task": string, "confidence": number}.
confidence is a number between 0 and 1.`

func buildPrompt(detection schemas.DetectionResult, profile string) string {
	url := detection.URLOrEmpty()
	if url == "" {
		url = "unknown"
	}
	observed := detection.TimestampOrEmpty()
	if observed == "" {
		observed = "unknown"
	}

	var b strings.Builder
	b.WriteString("An empty form was detected on the user's screen.\n\n")
	b.WriteString("Page URL: ")
	b.WriteString(url)
	b.WriteString("\nObserved at: ")
	b.WriteString(observed)
	b.WriteString("\n\nUser Profile:\n")
	b.WriteString(profile)
	b.WriteString("\n\nCreate a step-by-step plan for filling out this form.\n")
	b.WriteString("- Go field by field and say exactly what to type or select in each one.\n")
	b.WriteString("- Use the user profile wherever it applies. For fields the profile does not cover, make up plausible values.\n")
	b.WriteString("- Put one step per line in the task text.\n")
	b.WriteString("- Use the page URL to understand the purpose of the form.\n")
	return b.String()
}
