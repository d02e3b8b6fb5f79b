package dispatcher

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
)

// WorkerLogPath is where the supervisor tees a worker's tool output.
func WorkerLogPath(logRoot, worker string) string {
	return filepath.Join(logRoot, worker, "output.log")
}

// TailWorkerLog returns the last n lines of worker's tool output log. A
// worker that has never run returns no lines and no error.
func TailWorkerLog(logRoot, worker string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("line count must be positive")
	}
	// Validate the name to prevent path traversal.
	if !protocol.ValidWorkerName(worker) {
		return nil, fmt.Errorf("invalid worker name %q", worker)
	}

	lines, err := readLastNLines(WorkerLogPath(logRoot, worker), n)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return lines, err
}

// readLastNLines reads the last n lines of a file, keeping at most n lines
// in memory.
func readLastNLines(path string, n int) ([]string, error) {
	// #nosec G304 -- path is derived from a validated worker name and fixed directory structure
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer func() { _ = file.Close() }()

	ring := make([]string, 0, n)
	start := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[start] = scanner.Text()
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log: %w", err)
	}
	return append(ring[start:], ring[:start]...), nil
}
