package rowhttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpucallstack/pkg/models"
)

func TestWriterPostsBatch(t *testing.T) {
	var got []models.Row
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	require.NoError(t, err)
	defer w.Close()

	rows := []*models.Row{models.IntervalRow("r", models.Interval{Label: "1: f", Start: 1, End: 2, Depth: 1})}
	require.NoError(t, w.WriteRows(rows))
	require.NoError(t, w.WriteRows(nil))

	require.Len(t, got, 1)
	assert.Equal(t, "1: f", got[0].Label)
	assert.Equal(t, "Bearer t", auth)
}

func TestWriterReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	err = w.WriteRows([]*models.Row{{RecordType: models.RecordNode}})
	assert.Error(t, err)

	_, err = NewWriter(Config{})
	assert.Error(t, err)
}
