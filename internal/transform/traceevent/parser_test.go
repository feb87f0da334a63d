package traceevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChromeEvent(t *testing.T) {
	ev, err := Parse([]byte(`{"name":"kernelLaunch","cat":"hip_api","ph":"B","ts":100,"pid":12,"tid":7,"args":{"region_id":3}}`))
	require.NoError(t, err)

	assert.Equal(t, "kernelLaunch", ev.Name)
	assert.Equal(t, "hip_api", ev.Category)
	assert.Equal(t, "B", ev.Phase)
	assert.Equal(t, int64(100000), ev.Timestamp)

	for name, want := range map[string]int64{"pid": 12, "tid": 7, "region_id": 3} {
		got, ok := ev.Int(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	assert.False(t, ev.Has("args"))
	assert.False(t, ev.Has("name"))
}

func TestParseFlatRow(t *testing.T) {
	ev, err := Parse([]byte(`{"phase":"E","ts_us":1.5,"pid":1,"tid":1,"agent_type":"GPU","allocation_id":9}`))
	require.NoError(t, err)

	assert.Equal(t, "E", ev.Phase)
	assert.Equal(t, int64(1500), ev.Timestamp)
	agent, ok := ev.String("agent_type")
	require.True(t, ok)
	assert.Equal(t, "GPU", agent)
	id, ok := ev.Int("allocation_id")
	require.True(t, ok)
	assert.Equal(t, int64(9), id)
}

func TestParseTimestampUnits(t *testing.T) {
	for name, tc := range map[string]struct {
		payload string
		want    int64
	}{
		"chrome ts is microseconds":   {`{"ph":"X","ts":12.5}`, 12500},
		"chrome ts_ns wins":           {`{"ph":"B","ts":3,"ts_ns":42}`, 42},
		"flat ts is nanoseconds":      {`{"phase":"B","ts":42}`, 42},
		"timestamp is nanoseconds":    {`{"ph":"B","timestamp":42}`, 42},
		"ts_us fallback":              {`{"phase":"B","ts_us":"2"}`, 2000},
		"chrome ts overflow rejected": {`{"ph":"B","ts":9223372036854775807}`, 0},
	} {
		t.Run(name, func(t *testing.T) {
			ev, err := Parse([]byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Timestamp)
		})
	}
}

func TestParseKeepsLargeIntegersExact(t *testing.T) {
	ev, err := Parse([]byte(`{"phase":"B","ts":1700000000123456789,"pid":1,"tid":1,"copy_id":9007199254740993}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000123456789), ev.Timestamp)
	id, ok := ev.Int("copy_id")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), id)
}

func TestParseNestedFieldsWin(t *testing.T) {
	ev, err := Parse([]byte(`{"ts":1,"tid":1,"fields":{"tid":2}}`))
	require.NoError(t, err)

	tid, ok := ev.Int("tid")
	require.True(t, ok)
	assert.Equal(t, int64(2), tid)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Parse([]byte(`null`))
	assert.Error(t, err)
}
