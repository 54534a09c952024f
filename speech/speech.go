// Package speech turns raw LLM output into text the browser's speech
// synthesizer can read aloud, and cleans user input before it reaches a model.
package speech

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultChunkSize is the longest piece Chunk produces when asked for 0.
const DefaultChunkSize = 200

var (
	thinkBlock     = regexp.MustCompile(`(?s)<think>.*?</think>`)
	longWhitespace = regexp.MustCompile(`\s{3,}`)
	anyWhitespace  = regexp.MustCompile(`\s+`)
	genderSuffix   = regexp.MustCompile(`\([eséESÉ]+\)`)

	// Emoji and pictograph blocks. The enclosed alphanumerics are listed
	// explicitly so CJK and other letters in between are kept.
	emoji = regexp.MustCompile(`[` +
		`\x{1F600}-\x{1F64F}` + // emoticons
		`\x{1F300}-\x{1F5FF}` + // symbols & pictographs
		`\x{1F680}-\x{1F6FF}` + // transport & map
		`\x{1F1E0}-\x{1F1FF}` + // flags
		`\x{2702}-\x{27B0}` + // dingbats
		`\x{24C2}\x{1F170}-\x{1F251}` + // enclosed characters
		`\x{1F900}-\x{1F9FF}` +
		`\x{1FA00}-\x{1FA6F}` +
		`\x{1FA70}-\x{1FAFF}` +
		`\x{2600}-\x{26FF}` + // misc symbols
		`\x{FE0F}\x{200D}` + // variation selector, zero width joiner
		`]+`)

	quotes = strings.NewReplacer(
		"**", "",
		"*", "",
		"`", "'",
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
		"«", `"`,
		"»", `"`,
	)

	sentenceEnd = regexp.MustCompile(`[.!?…]+["')\]]*\s+`)

	strict = bluemonday.StrictPolicy()
)

// Sanitize strips reasoning blocks, emoji, gendered alternatives like "Prêt(e)"
// and markdown emphasis, normalizes quotes and collapses whitespace.
func Sanitize(text string) string {
	s := thinkBlock.ReplaceAllString(text, "")
	s = strings.TrimSpace(s)
	s = longWhitespace.ReplaceAllString(s, " ")
	s = emoji.ReplaceAllString(s, "")
	s = genderSuffix.ReplaceAllString(s, "")
	s = quotes.Replace(s)
	s = anyWhitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Chunk splits text at sentence boundaries into pieces of at most max runes.
// Sentences longer than max are split on word boundaries; a single word longer
// than max is emitted on its own.
func Chunk(text string, max int) []string {
	if max <= 0 {
		max = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		sentences = append(sentences, strings.TrimSpace(text[last:loc[1]]))
		last = loc[1]
	}
	if last < len(text) {
		sentences = append(sentences, strings.TrimSpace(text[last:]))
	}

	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	add := func(piece string) {
		switch {
		case cur.Len() == 0:
			cur.WriteString(piece)
		case utf8.RuneCountInString(cur.String())+1+utf8.RuneCountInString(piece) <= max:
			cur.WriteByte(' ')
			cur.WriteString(piece)
		default:
			flush()
			cur.WriteString(piece)
		}
	}

	for _, s := range sentences {
		if utf8.RuneCountInString(s) <= max {
			add(s)
			continue
		}
		flush()
		for _, w := range strings.Fields(s) {
			add(w)
		}
		flush()
	}
	flush()
	return chunks
}

// DetectLanguage returns the ISO 639-1 code of text, or fallback when the
// language cannot be identified.
func DetectLanguage(text, fallback string) string {
	if strings.TrimSpace(text) == "" {
		return fallback
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		return fallback
	}
	return code
}

// CleanInput removes any HTML from user-supplied text.
func CleanInput(text string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(text)))
}
