package pack

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
)

// ErrUnavailable covers every pack load failure: not found, unreadable, or
// malformed. Session creation aborts on it.
var ErrUnavailable = errors.New("pack unavailable")

type QuestionType string

const (
	TypeMCQ     QuestionType = "mcq"
	TypeBoolean QuestionType = "boolean"
)

type Question struct {
	Type      QuestionType `json:"type"`
	Prompt    string       `json:"prompt"`
	Choices   []string     `json:"choices"`
	CorrectIx int          `json:"correctIndex"`
}

type Pack struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Author      string     `json:"author"`
	Description string     `json:"description"`
	Questions   []Question `json:"questions"`
}

// Provider loads a content pack by id. The engine consumes one pack at
// session creation to seed its rounds.
type Provider interface {
	Load(ctx context.Context, packID string) (*Pack, error)
}

// Validate enforces the pack schema: a title, at least one question, every
// question with a non-empty prompt, at least two choices (exactly two for
// boolean questions), and a correct index referencing one of them.
func Validate(p *Pack) error {
	if p.Title == "" {
		return fmt.Errorf("%w: title must be non-empty", ErrUnavailable)
	}
	if len(p.Questions) == 0 {
		return fmt.Errorf("%w: pack has no questions", ErrUnavailable)
	}
	for i, q := range p.Questions {
		if q.Type == "" {
			q.Type = TypeMCQ
		}
		if q.Type != TypeMCQ && q.Type != TypeBoolean {
			return fmt.Errorf("%w: question %d has unknown type %q", ErrUnavailable, i, q.Type)
		}
		if q.Prompt == "" {
			return fmt.Errorf("%w: question %d has an empty prompt", ErrUnavailable, i)
		}
		if len(q.Choices) < 2 {
			return fmt.Errorf("%w: question %d needs at least 2 choices", ErrUnavailable, i)
		}
		if q.Type == TypeBoolean && len(q.Choices) != 2 {
			return fmt.Errorf("%w: boolean question %d must have exactly 2 choices", ErrUnavailable, i)
		}
		for j, c := range q.Choices {
			if c == "" {
				return fmt.Errorf("%w: question %d choice %d is empty", ErrUnavailable, i, j)
			}
		}
		if q.CorrectIx < 0 || q.CorrectIx >= len(q.Choices) {
			return fmt.Errorf("%w: question %d correct index %d out of range", ErrUnavailable, i, q.CorrectIx)
		}
	}
	return nil
}

// FSProvider reads packs as <id>.json files from a filesystem.
type FSProvider struct {
	fsys fs.FS
}

func NewFSProvider(fsys fs.FS) *FSProvider {
	return &FSProvider{fsys: fsys}
}

// NewDirProvider reads packs from a directory on disk.
func NewDirProvider(dir string) *FSProvider {
	return &FSProvider{fsys: os.DirFS(dir)}
}

func (p *FSProvider) Load(_ context.Context, packID string) (*Pack, error) {
	name := path.Base(packID) + ".json" // no traversal out of the pack dir
	b, err := fs.ReadFile(p.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, packID, err)
	}
	return decode(packID, b)
}

//go:embed packs/*.json
var builtin embed.FS

// Builtin returns the provider for the packs compiled into the binary.
func Builtin() *FSProvider {
	sub, err := fs.Sub(builtin, "packs")
	if err != nil {
		// embed subtree is fixed at build time
		panic(err)
	}
	return &FSProvider{fsys: sub}
}

// Multi tries each provider in order, returning the first hit.
type Multi []Provider

func (m Multi) Load(ctx context.Context, packID string) (*Pack, error) {
	var lastErr error = fmt.Errorf("%w: %s: no providers configured", ErrUnavailable, packID)
	for _, p := range m {
		pk, err := p.Load(ctx, packID)
		if err == nil {
			return pk, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func decode(packID string, b []byte) (*Pack, error) {
	var pk Pack
	if err := json.Unmarshal(b, &pk); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, packID, err)
	}
	pk.ID = packID
	for i := range pk.Questions {
		if pk.Questions[i].Type == "" {
			pk.Questions[i].Type = TypeMCQ
		}
	}
	if err := Validate(&pk); err != nil {
		return nil, err
	}
	return &pk, nil
}
