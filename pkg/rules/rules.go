// Package rules implements the Rule/Reference Store (C2): CRUD and
// enumeration of named text fragments with priority and inclusion mode,
// persisted one-per-file under a workspace's rules/ and references/
// directories. File format and front-matter parsing are grounded on the
// teacher's pkg/engine/skill package (SKILL.md's YAML-frontmatter-plus-body
// convention), generalized from skills to the simpler rule/reference shape.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"tsagent/pkg/logging"
)

// Kind discriminates a rule entry from a reference entry. The two share an
// identical file format and live under sibling directories.
type Kind string

const (
	KindRule      Kind = "rule"
	KindReference Kind = "reference"
)

// Include mirrors mcp.ToolIncludeMode's vocabulary for rule/reference
// inclusion in context assembly.
type Include string

const (
	IncludeAlways Include = "always"
	IncludeManual Include = "manual"
	IncludeAgent  Include = "agent"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Entry is a Rule or Reference: a named text fragment with priority and
// inclusion mode (spec.md §3).
type Entry struct {
	Kind         Kind
	Name         string
	Description  string
	PriorityLevel int
	Enabled      bool
	Include      Include
	Text         string
}

// DuplicateName is returned by Save when an entry with the same name and
// kind already exists.
type DuplicateName struct {
	Kind Kind
	Name string
}

func (e *DuplicateName) Error() string {
	return fmt.Sprintf("rules: duplicate %s name %q", e.Kind, e.Name)
}

// InvalidName is returned when a name fails the [A-Za-z0-9_-]+ pattern.
type InvalidName struct {
	Name string
}

func (e *InvalidName) Error() string {
	return fmt.Sprintf("rules: invalid name %q: must match [A-Za-z0-9_-]+", e.Name)
}

// ChangeFunc is invoked after a mutating operation with the kind that
// changed ("rules-changed" / "references-changed" per spec.md §4.2).
type ChangeFunc func(kind Kind)

// Store manages rule and reference entries for one workspace directory.
type Store struct {
	rulesDir      string
	referencesDir string

	mu        sync.RWMutex
	onChange  ChangeFunc
	log       hclogLogger
}

type hclogLogger interface {
	Warn(msg string, args ...interface{})
}

// NewStore creates a Store rooted at workspaceDir. The rules/ and
// references/ subdirectories are created lazily on first Save.
func NewStore(workspaceDir string, onChange ChangeFunc) *Store {
	return &Store{
		rulesDir:      filepath.Join(workspaceDir, "rules"),
		referencesDir: filepath.Join(workspaceDir, "references"),
		onChange:      onChange,
		log:           logging.Named("rules"),
	}
}

func (s *Store) dirFor(kind Kind) string {
	if kind == KindReference {
		return s.referencesDir
	}
	return s.rulesDir
}

func (s *Store) pathFor(kind Kind, name string) string {
	return filepath.Join(s.dirFor(kind), name+".mdt")
}

// frontMatter is the YAML document at the top of a .mdt file.
type frontMatter struct {
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	PriorityLevel int    `yaml:"priorityLevel"`
	Enabled       *bool  `yaml:"enabled"`
	Include       string `yaml:"include"`
}

// List returns every entry of the given kind, sorted by (priorityLevel
// asc, name asc) per spec.md §4.2.
func (s *Store) List(kind Kind) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.dirFor(kind)
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rules: list %s: %w", kind, err)
	}

	var out []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".mdt") {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ".mdt")
		entry, err := s.load(kind, name)
		if err != nil {
			s.log.Warn("skipping unreadable entry", "kind", kind, "name", name, "error", err)
			continue
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PriorityLevel != out[j].PriorityLevel {
			return out[i].PriorityLevel < out[j].PriorityLevel
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Get loads a single entry by kind and name.
func (s *Store) Get(kind Kind, name string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(kind, name)
}

func (s *Store) load(kind Kind, name string) (Entry, error) {
	path := s.pathFor(kind, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	fm, body, err := parseFrontMatter(string(raw))
	if err != nil {
		return Entry{}, fmt.Errorf("rules: %s: %w", path, err)
	}

	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}
	include := Include(fm.Include)
	if include == "" {
		include = IncludeManual
	}

	return Entry{
		Kind:          kind,
		Name:          name,
		Description:   fm.Description,
		PriorityLevel: fm.PriorityLevel,
		Enabled:       enabled,
		Include:       include,
		Text:          strings.TrimSpace(body),
	}, nil
}

// Save validates and persists an entry, applying defaults (a priorityLevel
// of 0 becomes 500, an empty include becomes "manual") and failing with
// DuplicateName if an entry of the same kind and name already exists and
// allowOverwrite is false. Enabled is stored as given; Save does not
// default it to true.
func (s *Store) Save(e Entry, allowOverwrite bool) error {
	if !namePattern.MatchString(e.Name) {
		return &InvalidName{Name: e.Name}
	}
	if e.PriorityLevel == 0 {
		e.PriorityLevel = 500
	}
	if e.Include == "" {
		e.Include = IncludeManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dirFor(e.Kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("rules: create %s dir: %w", e.Kind, err)
	}

	path := s.pathFor(e.Kind, e.Name)
	if !allowOverwrite {
		if _, err := os.Stat(path); err == nil {
			return &DuplicateName{Kind: e.Kind, Name: e.Name}
		}
	}

	content := renderFrontMatter(e)
	if err := writeAtomic(path, []byte(content)); err != nil {
		return fmt.Errorf("rules: write %s: %w", path, err)
	}

	s.notify(e.Kind)
	return nil
}

// Delete removes an entry. Deleting a name that doesn't exist is not an
// error.
func (s *Store) Delete(kind Kind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(kind, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rules: delete %s: %w", path, err)
	}
	s.notify(kind)
	return nil
}

func (s *Store) notify(kind Kind) {
	if s.onChange != nil {
		s.onChange(kind)
	}
}

func parseFrontMatter(raw string) (frontMatter, string, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontMatter{}, "", fmt.Errorf("missing YAML frontmatter (expected '---' on line 1)")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontMatter{}, "", fmt.Errorf("missing closing frontmatter delimiter '---'")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &fm); err != nil {
		return frontMatter{}, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	body := strings.Join(lines[end+1:], "\n")
	return fm, body, nil
}

func renderFrontMatter(e Entry) string {
	enabled := e.Enabled
	fm := frontMatter{
		Name:          e.Name,
		Description:   e.Description,
		PriorityLevel: e.PriorityLevel,
		Enabled:       &enabled,
		Include:       string(e.Include),
	}
	out, err := yaml.Marshal(fm)
	if err != nil {
		// frontMatter is a plain struct of scalars; Marshal cannot fail.
		panic(err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(out)
	b.WriteString("---\n")
	b.WriteString(e.Text)
	if !strings.HasSuffix(e.Text, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// writeAtomic writes data to a temp file in path's directory then renames
// it over path, the atomic-write pattern used across the store packages
// (grounded on the teacher's store.FileSessionStore).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
