package supervisor

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"foreman/pkg/ledger"
)

// PathInferer derives the candidate resource paths for a task. Inference is
// best effort; Start locks whatever it returns and tolerates any answer.
type PathInferer interface {
	Infer(task string) []string
}

// PathInfererFunc adapts a function to the PathInferer interface.
type PathInfererFunc func(task string) []string

// Infer calls f(task).
func (f PathInfererFunc) Infer(task string) []string { return f(task) }

// DefaultKeywords maps task keywords to the paths they usually touch.
var DefaultKeywords = map[string][]string{
	"auth":          {"src/auth.py"},
	"login":         {"src/auth.py"},
	"authenticate":  {"src/auth.py"},
	"database":      {"src/db.py"},
	"db":            {"src/db.py"},
	"model":         {"src/models.py"},
	"models":        {"src/models.py"},
	"api":           {"src/api.py"},
	"endpoint":      {"src/api.py"},
	"config":        {"config.json"},
	"configuration": {"config.json"},
	"test":          {"tests/"},
	"tests":         {"tests/"},
	"docs":          {"README.md"},
	"readme":        {"README.md"},
	"documentation": {"README.md"},
}

// DefaultPaths is used when neither literal paths nor keywords match.
var DefaultPaths = []string{"src/main.py"}

var (
	literalPathRe = regexp.MustCompile(`(?:[\w.-]+/)+[\w.-]*|[\w-]+(?:\.[\w-]+)*\.[A-Za-z0-9]+`)
	wordRe        = regexp.MustCompile(`[a-z]+`)
)

// HeuristicInferer tries, in order: literal path-like substrings of the task
// that exist under Root, keyword matches, and finally Defaults.
type HeuristicInferer struct {
	Root     string
	Keywords map[string][]string
	Defaults []string

	// exists allows tests to fake the filesystem.
	exists func(path string) bool
}

// NewHeuristicInferer returns an inferer rooted at root using the default
// keyword table and defaults.
func NewHeuristicInferer(root string) *HeuristicInferer {
	return &HeuristicInferer{Root: root, Keywords: DefaultKeywords, Defaults: DefaultPaths}
}

// Infer implements PathInferer.
func (h *HeuristicInferer) Infer(task string) []string {
	if paths := h.literal(task); len(paths) > 0 {
		return paths
	}
	if paths := h.keywords(task); len(paths) > 0 {
		return paths
	}
	return append([]string(nil), h.Defaults...)
}

func (h *HeuristicInferer) literal(task string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range literalPathRe.FindAllString(task, -1) {
		p := ledger.NormalizePath(strings.TrimRight(m, ".,;:"))
		if p == "" || p == "." || seen[p] || !h.pathExists(p) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (h *HeuristicInferer) keywords(task string) []string {
	kw := h.Keywords
	if kw == nil {
		kw = DefaultKeywords
	}
	seen := map[string]bool{}
	var out []string
	for _, word := range wordRe.FindAllString(strings.ToLower(task), -1) {
		for _, p := range kw[word] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (h *HeuristicInferer) pathExists(p string) bool {
	if h.exists != nil {
		return h.exists(p)
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(h.Root, p)
	}
	_, err := os.Stat(full)
	return err == nil
}
