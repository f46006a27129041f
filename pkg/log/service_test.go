package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	config "github.com/mwantia/tantalus/internal/config/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	assert.Equal(t, Debug, Parse("debug"))
	assert.Equal(t, Debug, Parse("TRACE"))
	assert.Equal(t, Info, Parse(""))
	assert.Equal(t, Warn, Parse(" warning "))
	assert.Equal(t, Error, Parse("ERROR"))
	assert.Equal(t, Info, Parse("verbose"))
	assert.Equal(t, "WARN", Warn.String())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerServiceWithWriter("tantalus", config.LogServerConfig{Level: "WARN", NoColor: true}, &buf)

	logger.Info("hidden")
	logger.Warn("shown %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN  [tantalus] shown 1")
}

func TestNamedJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerServiceWithWriter("tantalus", config.LogServerConfig{Level: "DEBUG", JSON: true}, &buf)

	logger.Named("transfer").With("transfer", 7).Debug("copied %s", "a.bam")

	var entry jsonEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "DEBUG", entry.Level)
	assert.Equal(t, "tantalus/transfer", entry.Service)
	assert.Equal(t, "copied a.bam", entry.Message)
	assert.Equal(t, float64(7), entry.Fields["transfer"])
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerServiceWithWriter("tantalus", config.LogServerConfig{}, &buf)

	child := base.With("queue", "transfer.blob")
	child.Info("started")
	base.Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "started queue=transfer.blob"))
	assert.True(t, strings.HasSuffix(lines[1], "plain"))
}
