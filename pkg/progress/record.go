// Package progress is the task progress store: one active progress document
// per worker plus an append-only, timestamp-keyed archive of completed ones.
//
// Documents are YAML serializations of Record. They are never patched in
// place; every write decodes the current document, mutates the Record and
// re-encodes it.
package progress

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReadyTag is appended to a resource note once it reaches 100%.
const ReadyTag = "ready to release"

// ResourceProgress is the progress of one resource path within a task.
type ResourceProgress struct {
	Percent int    `yaml:"percent"`
	Note    string `yaml:"note,omitempty"`
}

// Record is a worker's progress on a single task.
type Record struct {
	Worker      string                      `yaml:"worker"`
	Task        string                      `yaml:"task"`
	CreatedAt   time.Time                   `yaml:"created_at"`
	UpdatedAt   time.Time                   `yaml:"updated_at"`
	CompletedAt time.Time                   `yaml:"completed_at,omitempty"`
	Resources   map[string]ResourceProgress `yaml:"resources"`
	CurrentWork string                      `yaml:"current_work,omitempty"`
}

// Percent is the mean percent over tracked resource paths. A record that
// tracks no paths reports 0.
func (r *Record) Percent() int {
	if len(r.Resources) == 0 {
		return 0
	}
	total := 0
	for _, rp := range r.Resources {
		total += rp.Percent
	}
	return total / len(r.Resources)
}

// ReadyToRelease lists the paths at 100%, sorted.
func (r *Record) ReadyToRelease() []string {
	return r.pathsWhere(func(p int) bool { return p >= 100 })
}

// StillWorkingOn lists the paths strictly between 0% and 100%, sorted.
func (r *Record) StillWorkingOn() []string {
	return r.pathsWhere(func(p int) bool { return p > 0 && p < 100 })
}

// Paths lists every tracked path, sorted.
func (r *Record) Paths() []string {
	return r.pathsWhere(func(int) bool { return true })
}

func (r *Record) pathsWhere(keep func(int) bool) []string {
	var out []string
	for path, rp := range r.Resources {
		if keep(rp.Percent) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// SetResource clamps percent, applies the ready tag, and stores the entry.
func (r *Record) SetResource(path string, percent int, note string) {
	percent = min(max(percent, 0), 100)
	if percent >= 100 && !strings.Contains(note, ReadyTag) {
		if note == "" {
			note = ReadyTag
		} else {
			note = note + " (" + ReadyTag + ")"
		}
	}
	if r.Resources == nil {
		r.Resources = make(map[string]ResourceProgress)
	}
	r.Resources[path] = ResourceProgress{Percent: percent, Note: note}
}

// Summary is the derived, read-only view of a Record.
type Summary struct {
	Worker         string   `json:"worker" yaml:"worker"`
	Task           string   `json:"task" yaml:"task"`
	Percent        int      `json:"percent" yaml:"percent"`
	ReadyToRelease []string `json:"ready_to_release" yaml:"ready_to_release"`
	StillWorkingOn []string `json:"still_working_on" yaml:"still_working_on"`
	CurrentWork    string   `json:"current_work" yaml:"current_work"`
}

// Summarize computes the derived view.
func (r *Record) Summarize() Summary {
	return Summary{
		Worker:         r.Worker,
		Task:           r.Task,
		Percent:        r.Percent(),
		ReadyToRelease: r.ReadyToRelease(),
		StillWorkingOn: r.StillWorkingOn(),
		CurrentWork:    r.CurrentWork,
	}
}

// Encode serializes a Record into its on-disk YAML document.
func Encode(r *Record) ([]byte, error) {
	data, err := yaml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode progress for %s: %w", r.Worker, err)
	}
	return data, nil
}

// Decode parses an on-disk YAML document into a Record.
func Decode(data []byte) (*Record, error) {
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if r.Resources == nil {
		r.Resources = make(map[string]ResourceProgress)
	}
	return &r, nil
}
