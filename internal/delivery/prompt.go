package delivery

import (
	"regexp"
	"strings"
)

const (
	imStart = "<|im_start|>"
	imEnd   = "<|im_end|>"

	roleUser      = "user"
	roleKnowledge = "knowledge"
	roleAssistant = "assistant"
)

var (
	leadingAssistantRe = regexp.MustCompile(`(?i)^assistant\s*`)
	assistantWordRe    = regexp.MustCompile(`(?i)\bassistant\b`)
	knowledgeWordRe    = regexp.MustCompile(`(?i)\bknowledge\b`)
	leadingKnowledgeRe = regexp.MustCompile(`(?i)^\s*knowledge\s*`)
	leadingRoleRe      = regexp.MustCompile(`(?i)^\s*assistant\s*`)
)

func writeTurn(b *strings.Builder, role, text string) {
	b.WriteString(imStart)
	b.WriteString(role)
	b.WriteString("\n")
	b.WriteString(text)
	b.WriteString(imEnd)
	b.WriteString("\n")
}

func openAssistant(b *strings.Builder) {
	b.WriteString(imStart)
	b.WriteString(roleAssistant)
	b.WriteString("\n")
}

// ImmediatePrompt asks for an answer from the user input alone.
func ImmediatePrompt(userInput string) string {
	var b strings.Builder
	writeTurn(&b, roleUser, userInput)
	openAssistant(&b)
	return b.String()
}

// DialoguePrompt pairs every prior response with the thought that motivated
// it and exposes at most one unconsumed thought. len(responses) must not
// exceed len(thoughts).
func DialoguePrompt(userInput string, thoughts, responses []string) string {
	var b strings.Builder
	writeTurn(&b, roleUser, userInput)

	if len(responses) == 0 {
		if len(thoughts) > 0 {
			writeTurn(&b, roleKnowledge, thoughts[0])
		}
		openAssistant(&b)
		return b.String()
	}

	for i, resp := range responses {
		if i < len(thoughts) {
			writeTurn(&b, roleKnowledge, thoughts[i])
		}
		writeTurn(&b, roleAssistant, resp)
	}
	if len(thoughts) > len(responses) {
		writeTurn(&b, roleKnowledge, thoughts[len(responses)])
	}
	openAssistant(&b)
	return b.String()
}

// Sanitize strips control markers and leaked role names from raw model output.
func Sanitize(raw string) string {
	out := strings.ReplaceAll(raw, imStart, "")
	out = strings.ReplaceAll(out, imEnd, "")
	out = leadingAssistantRe.ReplaceAllString(out, "")
	out = assistantWordRe.ReplaceAllString(out, "")
	out = knowledgeWordRe.ReplaceAllString(out, "")
	out = leadingKnowledgeRe.ReplaceAllString(out, "")
	out = leadingRoleRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// lastTurn returns the body of the final closed turn for role, if any.
func lastTurn(prompt, role string) (string, bool) {
	marker := imStart + role + "\n"
	idx := strings.LastIndex(prompt, marker)
	if idx < 0 {
		return "", false
	}
	body := prompt[idx+len(marker):]
	end := strings.Index(body, imEnd)
	if end < 0 {
		return "", false
	}
	return body[:end], true
}
