package supervisor

import (
	"regexp"
	"strconv"
	"strings"
)

// EventKind classifies a line of tool output.
type EventKind int

// Event kinds recognised by MarkerParser.
const (
	EventFileTouched  EventKind = iota + 1 // a file-operation mention
	EventFileDone                          // [DONE] <path>
	EventProgress                          // [PROGRESS] <path> <pct> <note>
	EventWorking                           // [WORKING] <text>
	EventTaskComplete                      // a completion marker
	EventError                             // a known error signature
)

// Event is one progress-relevant fact extracted from a line of output.
type Event struct {
	Kind    EventKind
	Path    string
	Percent int
	Note    string
	Text    string
}

// Parser turns one line of tool output into at most one Event.
type Parser interface {
	Parse(line string) (Event, bool)
}

var (
	progressRe = regexp.MustCompile(`^\s*\[PROGRESS\]\s+(\S+)\s+(\d{1,3})%?\s*(.*)$`)
	doneRe     = regexp.MustCompile(`^\s*\[DONE\]\s+(\S+)`)
	workingRe  = regexp.MustCompile(`^\s*\[WORKING\]\s+(.+)$`)

	fileOpRe = regexp.MustCompile(
		`(?i)\b(?:creat(?:e|ed|ing)|writ(?:e|es|ing|ten)|wrote|edit(?:s|ed|ing)?|modif(?:y|ied|ying)|updat(?:e|ed|ing)|read(?:s|ing)?|open(?:ed|ing)?|sav(?:e|ed|ing))\s+(?:to\s+)?(?:the\s+)?(?:file\s+)?` +
			"[`'\"]?" + `((?:[\w.-]+/)*[\w.-]+\.[A-Za-z0-9]+)`)

	completionMarkers = []string{
		"task completed",
		"task complete",
		"[task complete]",
		"all tasks completed",
	}

	errorSignatures = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(?:Error|ERROR|FATAL|Fatal|fatal|panic):`),
		regexp.MustCompile(`Traceback \(most recent call last\)`),
		regexp.MustCompile(`(?i)\bAPI error\b`),
		regexp.MustCompile(`(?i)\brate limit(?:ed| exceeded)\b`),
		regexp.MustCompile(`(?i)\bcommand not found\b`),
		regexp.MustCompile(`(?i)\bpermission denied\b`),
	}
)

// MarkerParser recognises the self-reporting markers the prompt asks the
// tool to print, free-text file-operation mentions, completion markers, and
// known error signatures. Explicit markers win over free text.
type MarkerParser struct{}

// Parse implements Parser.
func (MarkerParser) Parse(line string) (Event, bool) {
	if m := progressRe.FindStringSubmatch(line); m != nil {
		pct, err := strconv.Atoi(m[2])
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EventProgress, Path: m[1], Percent: pct, Note: strings.TrimSpace(m[3])}, true
	}
	if m := doneRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventFileDone, Path: m[1], Percent: 100}, true
	}
	if m := workingRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventWorking, Text: strings.TrimSpace(m[1])}, true
	}

	for _, re := range errorSignatures {
		if re.MatchString(line) {
			return Event{Kind: EventError, Text: strings.TrimSpace(line)}, true
		}
	}

	lower := strings.ToLower(line)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			return Event{Kind: EventTaskComplete, Text: strings.TrimSpace(line)}, true
		}
	}

	if m := fileOpRe.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventFileTouched, Path: strings.Trim(m[1], "`'\"."), Percent: 50, Note: "in progress"}, true
	}
	return Event{}, false
}
