package conversation

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/live-avatar/ai"
)

var (
	lineRe     = regexp.MustCompile(`^\((\d{4}-\d{2}-\d{2} \d{2}:\d{2})\) (.+?) - (.*)$`)
	unsafeName = regexp.MustCompile(`[^a-z0-9_\-]`)
)

// FileStore keeps one text file per viewer with lines of the form
// "(2006-01-02 15:04) author - text".
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore stores conversations under dir, creating it on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

func (s *FileStore) path(owner string) (string, error) {
	k := Key(owner)
	if k == "" {
		return "", ErrNoUsername
	}
	name := unsafeName.ReplaceAllString(k, "_")
	if name != k {
		// replaced characters would let distinct viewers share a file
		sum := sha256.Sum256([]byte(k))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return filepath.Join(s.dir, name+".txt"), nil
}

// Append writes t to owner's file. A zero At is set to the current time.
func (s *FileStore) Append(_ context.Context, owner string, t Turn) error {
	p, err := s.path(owner)
	if err != nil {
		return err
	}
	if t.At.IsZero() {
		t.At = s.now()
	}
	author := strings.TrimSpace(t.Username)
	if author == "" {
		author = owner
	}
	text := strings.Join(strings.Fields(t.Text), " ")

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := fmt.Fprintf(f, "(%s) %s - %s\n", t.Timestamp(), author, text); err != nil {
		_ = f.Close()
		return fmt.Errorf("write history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}

// All returns every parseable turn for owner; a missing file yields no turns.
func (s *FileStore) All(_ context.Context, owner string) ([]Turn, error) {
	p, err := s.path(owner)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer func() { _ = f.Close() }()

	var turns []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if t, ok := parseLine(sc.Text(), owner); ok {
			turns = append(turns, t)
		}
	}
	if err := sc.Err(); err != nil {
		return turns, fmt.Errorf("read history: %w", err)
	}
	return turns, nil
}

// Recent returns the last n turns.
func (s *FileStore) Recent(ctx context.Context, owner string, n int) ([]Turn, error) {
	turns, err := s.All(ctx, owner)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// Clear removes owner's file.
func (s *FileStore) Clear(_ context.Context, owner string) error {
	p, err := s.path(owner)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

func parseLine(line, owner string) (Turn, bool) {
	m := lineRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return Turn{}, false
	}
	at, err := time.ParseInLocation("2006-01-02 15:04", m[1], time.Local)
	if err != nil {
		return Turn{}, false
	}
	role := ai.RoleAssistant
	if strings.EqualFold(m[2], strings.TrimSpace(owner)) {
		role = ai.RoleUser
	}
	return Turn{Username: m[2], Role: role, Text: strings.TrimSpace(m[3]), At: at}, true
}
