package ai

import (
	"fmt"
	"strings"
)

// Persona describes the avatar the model plays.
type Persona struct {
	Name      string
	Role      string
	PrePrompt string
}

// BuildSystemPrompt assembles the system message for persona answering in language.
func BuildSystemPrompt(p Persona, language string) string {
	if language == "" {
		language = "en"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, %s\n\n", p.Name, p.Role)
	b.WriteString(`Your personality:
- Warm, friendly, and naturally conversational
- Use casual language and contractions (I'm, you're, etc.)
- Show genuine interest in what users say
- Express personality through your words, NOT with emojis or emoticons
- Keep responses short and punchy (1-3 sentences max)
- Match the user's energy and tone

`)
	fmt.Fprintf(&b, "Language: Respond ONLY in %s\n\n", language)
	b.WriteString(`Key guidelines:
- Be yourself - don't sound like a formal assistant
- DON'T greet again if you already greeted the user in previous messages
- If continuing a conversation, just answer the question directly without greetings
- Only greet if this is the first message in the conversation
- Reference previous messages when relevant
- Stay appropriate for Twitch (no hate speech, etc.)

CRITICAL for text-to-speech:
- NEVER use emojis, emoticons, or symbols
- NEVER use parentheses with alternatives like "Prêt(e)" or "heureux(se)"
- Always choose one gender form and stick with it (prefer neutral or masculine form)
- Write ONLY words that can be spoken naturally and fluently
- Avoid special characters, abbreviations, or formatting
- Write complete, speakable sentences`)
	if pre := strings.TrimSpace(p.PrePrompt); pre != "" {
		fmt.Fprintf(&b, "\n\nAdditional instructions: %s", pre)
	}
	return strings.TrimSpace(b.String())
}

// WithContext prefixes retrieved passages to the user message.
func WithContext(docs []string, input string) string {
	if len(docs) == 0 {
		return input
	}
	return fmt.Sprintf("Context from memory: %s\n\nCurrent message: %s", strings.Join(docs, "\n\n"), input)
}
