package query

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gpucallstack/pkg/models"
)

// LoadRowsJSONL reads node and interval rows from JSONL. Undecodable lines
// are skipped.
func LoadRowsJSONL(path string) ([]*models.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	rows := make([]*models.Row, 0, 4096)
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 1024*1024)
	s.Buffer(buf, 8*1024*1024)

	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var row models.Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		rows = append(rows, &row)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return rows, nil
}

// FilterRun keeps the rows of one run. An empty runID selects the run of the
// last row.
func FilterRun(rows []*models.Row, runID string) []*models.Row {
	if len(rows) == 0 {
		return rows
	}
	if runID == "" {
		runID = rows[len(rows)-1].RunID
	}
	out := make([]*models.Row, 0, len(rows))
	for _, row := range rows {
		if row.RunID == runID {
			out = append(out, row)
		}
	}
	return out
}
