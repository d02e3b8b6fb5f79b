package protocol

import "regexp"

var workerNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidWorkerName reports whether name is usable as a worker name. Names end
// up in file names (progress documents, output logs) so path separators and
// leading dots are rejected.
func ValidWorkerName(name string) bool {
	return workerNameRe.MatchString(name)
}
