package obslog_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stationdaq/rtstation/internal/obslog"
)

func TestLogger_WithPortAttachesStructuredField(t *testing.T) {
	var buf bytes.Buffer

	l := obslog.New(&buf, "orchestrator", obslog.LevelInfo)
	l.WithPort(2).Info("filled ring", "packets", 4)

	out := buf.String()
	assert.Contains(t, out, "filled ring")
	assert.Contains(t, out, "port=2")
	assert.Contains(t, out, "packets=4")
}

func TestLogger_Summary_IncludesPerPortCounters(t *testing.T) {
	var buf bytes.Buffer

	l := obslog.New(&buf, "orchestrator", obslog.LevelInfo)
	l.Summary(1000, []int{2, 0}, []int{1, 0}, []int{4096})

	out := buf.String()
	assert.Contains(t, out, "observation summary")
	assert.Contains(t, out, "packetsRead=1000")
	assert.Contains(t, out, "droppedPerPort")
	assert.Contains(t, out, "outOfOrderPerPort")
}

func TestLogger_DebugSuppressedBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer

	l := obslog.New(&buf, "orchestrator", obslog.LevelInfo)
	l.Debug("should not appear")

	assert.Empty(t, buf.String())
}
