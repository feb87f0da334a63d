package file

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const maxLineSize = 16 * 1024 * 1024

// Reader yields one JSON-lines record per Pop.
type Reader struct {
	path    string
	f       *os.File
	scanner *bufio.Scanner
	err     error
}

// Open opens a JSON-lines trace file.
func Open(path string) (*Reader, error) {
	return open(path, maxLineSize)
}

func open(path string, maxLine int) (*Reader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("input file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	return &Reader{path: path, f: f, scanner: scanner}, nil
}

// Pop returns the next non-blank line, or io.EOF at end of file. Once a
// read fails every later Pop returns the same error.
func (r *Reader) Pop(ctx context.Context) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				r.err = fmt.Errorf("read %s: %w", r.path, err)
				return nil, r.err
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		return []byte(line), nil
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// String names the source in logs.
func (r *Reader) String() string {
	return "file " + r.path
}
