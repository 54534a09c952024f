package conversation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-avatar/ai"
)

func TestBuildHistory(t *testing.T) {
	turns := []Turn{
		{Username: "alice", Role: ai.RoleUser, Text: "hi"},
		{Username: "alice", Role: ai.RoleUser, Text: "hi"},
		{Username: "Mira", Role: ai.RoleAssistant, Text: "hello alice"},
		{Username: "alice", Role: ai.RoleUser, Text: "how are you"},
	}
	got := BuildHistory(turns, false)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3 (duplicate dropped)", len(got))
	}
	if got[1].Role != ai.RoleAssistant || got[1].Content != "hello alice" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestBuildHistoryLimits(t *testing.T) {
	var turns []Turn
	for i := 0; i < 15; i++ {
		turns = append(turns, Turn{Role: ai.RoleUser, Text: fmt.Sprintf("msg %d", i)})
	}
	got := BuildHistory(turns, false)
	if len(got) != HistoryLimit {
		t.Fatalf("len = %d, want %d", len(got), HistoryLimit)
	}
	if got[0].Content != "msg 5" {
		t.Errorf("first = %q, want msg 5", got[0].Content)
	}

	withShot := BuildHistory(turns, true)
	if len(withShot) != ScreenshotHistoryLimit {
		t.Fatalf("len with screenshot = %d, want %d", len(withShot), ScreenshotHistoryLimit)
	}
	if withShot[len(withShot)-1].Content != "msg 14" {
		t.Errorf("last = %q", withShot[len(withShot)-1].Content)
	}
	if BuildHistory(nil, true) == nil {
		t.Error("empty history should be an empty slice")
	}
}

func TestBuildHistoryStartsWithUser(t *testing.T) {
	// a dropped duplicate shifts the screenshot window onto an assistant turn
	turns := []Turn{
		{Role: ai.RoleUser, Text: "q1"},
		{Role: ai.RoleUser, Text: "q1"},
		{Role: ai.RoleAssistant, Text: "a1"},
		{Role: ai.RoleUser, Text: "q2"},
		{Role: ai.RoleAssistant, Text: "a2"},
		{Role: ai.RoleUser, Text: "q3"},
		{Role: ai.RoleAssistant, Text: "a3"},
		{Role: ai.RoleUser, Text: "q4"},
	}
	for _, withShot := range []bool{false, true} {
		got := BuildHistory(turns, withShot)
		if len(got) == 0 || got[0].Role != ai.RoleUser {
			t.Errorf("withScreenshot=%v: history starts with %+v", withShot, got)
		}
	}
	if got := BuildHistory(turns, true); len(got) != 5 || got[0].Content != "q2" {
		t.Errorf("screenshot window = %+v, want q2..q4", got)
	}
	if got := BuildHistory([]Turn{{Role: ai.RoleAssistant, Text: "only"}}, false); len(got) != 0 {
		t.Errorf("assistant-only history = %+v, want empty", got)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 20, 15, 0, 0, time.Local) }
	ctx := context.Background()

	if err := s.Append(ctx, "Alice", Turn{Username: "Alice", Text: "hello\nthere"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "Alice", Turn{Username: "Mira", Role: ai.RoleAssistant, Text: "hi Alice - nice to see you"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "alice.txt"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.HasPrefix(string(raw), "(2024-05-01 20:15) Alice - hello there\n") {
		t.Errorf("file content = %q", raw)
	}

	all, err := s.All(ctx, "alice")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(All) = %d, want 2", len(all))
	}
	if all[0].Role != ai.RoleUser || all[1].Role != ai.RoleAssistant {
		t.Errorf("roles = %v, %v", all[0].Role, all[1].Role)
	}
	if all[1].Text != "hi Alice - nice to see you" {
		t.Errorf("text with separator = %q", all[1].Text)
	}
	if all[0].Timestamp() != "2024-05-01 20:15" {
		t.Errorf("timestamp = %q", all[0].Timestamp())
	}

	recent, err := s.Recent(ctx, "ALICE", 1)
	if err != nil || len(recent) != 1 || recent[0].Username != "Mira" {
		t.Errorf("Recent = %+v, %v", recent, err)
	}

	if err := s.Clear(ctx, "alice"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if all, _ := s.All(ctx, "alice"); len(all) != 0 {
		t.Errorf("history after clear = %+v", all)
	}
	if err := s.Clear(ctx, "alice"); err != nil {
		t.Errorf("Clear on missing file: %v", err)
	}
}

func TestFileStoreSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	content := "garbage\n(2024-05-01 20:15) bob - ok\n(bad date) bob - nope\n"
	if err := os.WriteFile(filepath.Join(dir, "bob.txt"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	all, err := NewFileStore(dir).All(context.Background(), "bob")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 || all[0].Text != "ok" {
		t.Errorf("All = %+v", all)
	}
}

func TestFileStoreRejectsEmptyOwner(t *testing.T) {
	s := NewFileStore(t.TempDir())
	if err := s.Append(context.Background(), "  ", Turn{Text: "x"}); err != ErrNoUsername {
		t.Errorf("err = %v, want ErrNoUsername", err)
	}
}

func TestFileStoreSanitizesPath(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	if err := s.Append(context.Background(), "../evil", Turn{Text: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "___evil-*.txt"))
	if err != nil || len(matches) != 1 {
		t.Errorf("sanitized files = %v (%v)", matches, err)
	}
}

func TestFileStoreKeepsAccentedNamesApart(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()
	if err := s.Append(ctx, "Gaëtan", Turn{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "Gaétan", Turn{Text: "second"}); err != nil {
		t.Fatal(err)
	}
	for owner, want := range map[string]string{"Gaëtan": "first", "Gaétan": "second"} {
		turns, err := s.All(ctx, owner)
		if err != nil {
			t.Fatalf("All(%s): %v", owner, err)
		}
		if len(turns) != 1 || turns[0].Text != want {
			t.Errorf("All(%s) = %+v, want one turn %q", owner, turns, want)
		}
	}
}
