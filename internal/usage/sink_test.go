package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/pkg/logger"
)

func TestLogSink_FlushUsage(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.New(&buf, "debug"))

	err := sink.FlushUsage(context.Background(), map[Event]int64{
		{Key: "api:abc123", Outcome: OutcomeAllowed}:     7,
		{Key: "api:abc123", Outcome: OutcomeRateLimited}: 2,
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3) // two usage lines plus the flush summary

	var sawAllowed, sawLimited bool
	for _, line := range lines[:2] {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, "api usage", entry["msg"])
		assert.Equal(t, "api:abc123", entry["key"])

		switch entry["outcome"] {
		case "allowed":
			sawAllowed = true
			assert.Equal(t, float64(7), entry["count"])
		case "rate_limited":
			sawLimited = true
			assert.Equal(t, float64(2), entry["count"])
		}
	}
	assert.True(t, sawAllowed)
	assert.True(t, sawLimited)

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &summary))
	assert.Equal(t, "usage flush complete", summary["msg"])
	assert.Equal(t, float64(2), summary["pairs"])
	assert.Equal(t, float64(9), summary["events"])
}

func TestLogSink_EmptyFlushIsSilent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logger.New(&buf, "debug"))

	err := sink.FlushUsage(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}
