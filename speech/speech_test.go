package speech

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"markdown and emoji", "Hello **there** 😀", "Hello there"},
		{"think block", "<think>\nplanning\nthe answer\n</think>\nSure thing!", "Sure thing!"},
		{"gender alternatives", "Je suis prêt(e) et heureux(se).", "Je suis prêt et heureux."},
		{"italic", "*waves* hi", "waves hi"},
		{"quotes", "“Quoted” ‘single’ `code` «français»", `"Quoted" 'single' 'code' "français"`},
		{"whitespace", "a   b\n\n\nc\td", "a b c d"},
		{"symbols", "Sunny ☀ day ✅ done 🚀", "Sunny day done"},
		{"cjk kept", "こんにちは 😀 世界", "こんにちは 世界"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChunk(t *testing.T) {
	text := "First sentence. Second one is here! Third? Final words"
	got := Chunk(text, 30)
	want := []string{"First sentence.", "Second one is here! Third?", "Final words"}
	if len(got) != len(want) {
		t.Fatalf("Chunk() = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunkLongSentence(t *testing.T) {
	text := strings.Repeat("word ", 30) + "end."
	for _, c := range Chunk(text, 20) {
		if n := utf8.RuneCountInString(c); n > 20 {
			t.Errorf("chunk %q has %d runes, want <= 20", c, n)
		}
	}
}

func TestChunkEdgeCases(t *testing.T) {
	if got := Chunk("", 10); got != nil {
		t.Errorf("Chunk(empty) = %q, want nil", got)
	}
	if got := Chunk("Short.", 0); len(got) != 1 || got[0] != "Short." {
		t.Errorf("Chunk with default size = %q", got)
	}
	if got := Chunk("supercalifragilistic", 5); len(got) != 1 {
		t.Errorf("oversized word should be a single chunk, got %q", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	if got := DetectLanguage("", "en"); got != "en" {
		t.Errorf("empty text = %q, want fallback", got)
	}
	if got := DetectLanguage("The quick brown fox jumps over the lazy dog while the children are playing outside in the garden.", "xx"); got != "en" {
		t.Errorf("english sentence detected as %q", got)
	}
	if got := DetectLanguage("Bonjour à tous, je suis très contente de vous retrouver ce soir pour discuter ensemble de nos projets.", "xx"); got != "fr" {
		t.Errorf("french sentence detected as %q", got)
	}
}

func TestCleanInput(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<b>bold</b> text", "bold text"},
		{"<script>alert(1)</script>hi", "hi"},
		{"Tom & Jerry", "Tom & Jerry"},
		{"  plain  ", "plain"},
	}
	for _, tt := range tests {
		if got := CleanInput(tt.in); got != tt.want {
			t.Errorf("CleanInput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
