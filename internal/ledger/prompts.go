package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"clavix/internal/domain"
)

var promptID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const frontMatterFence = "---\n"

func (s *Store) promptPath(dir, id string) string {
	return filepath.Join(dir, s.storage.PromptsDir, id+".md")
}

// EncodePrompt renders a prompt record as YAML front matter followed by the
// optimized text.
func EncodePrompt(rec domain.PromptRecord) ([]byte, error) {
	front, err := yaml.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(frontMatterFence)
	b.Write(front)
	b.WriteString(frontMatterFence)
	b.WriteByte('\n')
	b.WriteString(rec.OptimizedText)
	return b.Bytes(), nil
}

// DecodePrompt is the inverse of EncodePrompt.
func DecodePrompt(data []byte) (domain.PromptRecord, error) {
	var rec domain.PromptRecord
	text := string(data)
	if !strings.HasPrefix(text, frontMatterFence) {
		return rec, fmt.Errorf("prompt record has no front matter")
	}
	rest := text[len(frontMatterFence):]
	front, body, ok := strings.Cut(rest, "\n"+frontMatterFence)
	if !ok {
		return rec, fmt.Errorf("prompt record front matter is not closed")
	}
	if err := yaml.Unmarshal([]byte(front), &rec); err != nil {
		return rec, fmt.Errorf("prompt front matter: %w", err)
	}
	rec.OptimizedText = strings.TrimPrefix(body, "\n")
	return rec, nil
}

// SavePrompt writes a new prompt record into an existing active project.
// Existing ids are rejected.
func (s *Store) SavePrompt(ctx context.Context, name string, rec domain.PromptRecord) error {
	if !promptID.MatchString(rec.ID) {
		return fmt.Errorf("%w: prompt id %q", ErrInvalidName, rec.ID)
	}
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.existingActiveDir(name)
	if err != nil {
		return err
	}
	path := s.promptPath(dir, rec.ID)
	exists, err := fileExists(path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: prompt %s", ErrExists, rec.ID)
	}
	data, err := EncodePrompt(rec)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// LoadPrompt reads one prompt record.
func (s *Store) LoadPrompt(ctx context.Context, name, id string) (domain.PromptRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.PromptRecord{}, err
	}
	if !promptID.MatchString(id) {
		return domain.PromptRecord{}, unknownPrompt(id)
	}
	dir, _, err := s.locate(name)
	if err != nil {
		return domain.PromptRecord{}, err
	}
	return s.readPrompt(s.promptPath(dir, id), id)
}

func (s *Store) readPrompt(path, id string) (domain.PromptRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.PromptRecord{}, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
		}
		return domain.PromptRecord{}, ioErr("read", path, err)
	}
	rec, err := DecodePrompt(data)
	if err != nil {
		return rec, fmt.Errorf("%s: %w", path, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// UpdatePrompt loads a prompt record under the project lock, applies fn and
// writes it back when fn succeeds.
func (s *Store) UpdatePrompt(ctx context.Context, name, id string, fn func(*domain.PromptRecord) error) (domain.PromptRecord, error) {
	if !promptID.MatchString(id) {
		return domain.PromptRecord{}, unknownPrompt(id)
	}
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return domain.PromptRecord{}, err
	}
	defer unlock()
	dir, err := s.existingActiveDir(name)
	if err != nil {
		return domain.PromptRecord{}, err
	}
	path := s.promptPath(dir, id)
	rec, err := s.readPrompt(path, id)
	if err != nil {
		return rec, err
	}
	if err := fn(&rec); err != nil {
		return rec, err
	}
	data, err := EncodePrompt(rec)
	if err != nil {
		return rec, err
	}
	return rec, writeFileAtomic(path, data, 0o644)
}

// ListPrompts returns a project's prompt records ordered by id, which starts
// with the creation timestamp.
func (s *Store) ListPrompts(ctx context.Context, name string) ([]domain.PromptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, _, err := s.locate(name)
	if err != nil {
		return nil, err
	}
	pdir := filepath.Join(dir, s.storage.PromptsDir)
	entries, err := os.ReadDir(pdir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("readdir", pdir, err)
	}
	var out []domain.PromptRecord
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".md")
		if e.IsDir() || !ok || !promptID.MatchString(id) {
			continue
		}
		rec, err := s.readPrompt(filepath.Join(pdir, e.Name()), id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemovePrompt deletes one prompt record.
func (s *Store) RemovePrompt(ctx context.Context, name, id string) error {
	if !promptID.MatchString(id) {
		return unknownPrompt(id)
	}
	unlock, err := s.lockProject(ctx, name)
	if err != nil {
		return err
	}
	defer unlock()
	dir, err := s.existingActiveDir(name)
	if err != nil {
		return err
	}
	path := s.promptPath(dir, id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
		}
		return ioErr("remove", path, err)
	}
	return nil
}

// unknownPrompt reports an id that cannot name a prompt record. It matches
// both ErrPromptNotFound and ErrInvalidName.
func unknownPrompt(id string) error {
	return fmt.Errorf("%w: %w: prompt id %q", ErrPromptNotFound, ErrInvalidName, id)
}

func (s *Store) existingActiveDir(name string) (string, error) {
	dir, archived, err := s.locate(name)
	if err != nil {
		return "", err
	}
	if archived {
		return "", fmt.Errorf("%w: %s", ErrArchived, name)
	}
	return dir, nil
}
