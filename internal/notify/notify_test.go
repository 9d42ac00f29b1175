package notify

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminal_WritesSeverityAndMessage(t *testing.T) {
	var buf bytes.Buffer
	NewTerminal(&buf).Notify("saved q.sql", Success, Short)

	out := buf.String()
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "saved q.sql")
}

func TestLog_MapsSeverityToLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	Log{Logger: logger}.Notify("restore failed", Error, Long)
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"duration_ms":6000`)
}

func TestMulti_FansOut(t *testing.T) {
	var a, b Recorder
	Multi{&a, nil, &b}.Notify("hello", Info, time.Second)

	require.Len(t, a.Notes(), 1)
	require.Len(t, b.Notes(), 1)
	assert.Equal(t, Note{Message: "hello", Severity: Info, Duration: time.Second}, b.Notes()[0])

	a.Reset()
	assert.Empty(t, a.Notes())
}
