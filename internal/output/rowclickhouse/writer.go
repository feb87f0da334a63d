package rowclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gpucallstack/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer sends rows to ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// chRow is the flat column layout of the target table. Parent is -1 for
// top-level nodes and for intervals.
type chRow struct {
	RunID      string   `json:"run_id"`
	RecordType string   `json:"record_type"`
	Quark      int      `json:"quark"`
	Parent     int      `json:"parent"`
	Path       string   `json:"path"`
	Labels     []string `json:"labels"`
	Label      string   `json:"label"`
	Start      int64    `json:"start"`
	End        int64    `json:"end"`
	Duration   int64    `json:"duration"`
	Depth      int      `json:"depth"`
}

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "callstack_rows"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteRows sends a batch of rows.
func (w *Writer) WriteRows(rows []*models.Row) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if row == nil {
			continue
		}
		if err := enc.Encode(flatten(row)); err != nil {
			return fmt.Errorf("failed to marshal row: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func flatten(row *models.Row) chRow {
	parent := -1
	if row.Parent != nil {
		parent = *row.Parent
	}
	labels := row.Labels
	if labels == nil {
		labels = []string{}
	}
	return chRow{
		RunID:      row.RunID,
		RecordType: row.RecordType,
		Quark:      row.Quark,
		Parent:     parent,
		Path:       row.Path,
		Labels:     labels,
		Label:      row.Label,
		Start:      row.Start,
		End:        row.End,
		Duration:   row.End - row.Start,
		Depth:      row.Depth,
	}
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
