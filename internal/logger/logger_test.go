package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, time.UTC)

	log.Debug("hidden")
	log.Info("shown", String("recording_id", "abc"), Int("windows", 4))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "recording_id=abc")
	assert.Contains(t, out, "windows=4")
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelTrace, time.UTC).Module("analysis").Module("worker")
	log = log.With(String("device", "dev-01"))

	log.Trace("tick", Float64("confidence", 0.123456))

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "module=analysis.worker")
	assert.Contains(t, out, "device=dev-01")
	assert.Contains(t, out, "confidence=0.123")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, time.UTC)
	ctx := WithTraceID(context.Background(), "req-42")

	log.WithContext(ctx).Info("request")
	assert.Contains(t, buf.String(), "trace_id=req-42")
}

func TestSensitiveFieldsRedacted(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewSlogLogger(&buf, LogLevelInfo, time.UTC)

	log.Info("connect",
		String("password", "hunter22"),
		String("url", "postgres://census:s3cret@db:5432/census"))

	out := buf.String()
	assert.NotContains(t, out, "hunter22")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "census:[REDACTED]@db")
}

func TestRedactSensitiveData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"header Bearer abc.def.ghi", "header Bearer [REDACTED]"},
		{"password=hunter22", "password=[REDACTED]"},
		{"plain message", "plain message"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactSensitiveData(tt.in), tt.in)
	}
}

func TestCentralLoggerModuleFile(t *testing.T) {
	dir := t.TempDir()
	apiLog := filepath.Join(dir, "access.log")

	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: filepath.Join(dir, "main.log"), Level: "info"},
		ModuleOutputs: map[string]ModuleOutput{
			"api": {Enabled: true, FilePath: apiLog, Level: "debug"},
		},
	})
	require.NoError(t, err)

	cl.Module("api").Debug("request handled", String("path", "/api/v2/health"))
	cl.Module("analysis").Info("pipeline ready")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(apiLog)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry))
	assert.Equal(t, "request handled", entry["msg"])
	assert.Equal(t, "api", entry["module"])

	mainData, err := os.ReadFile(filepath.Join(dir, "main.log"))
	require.NoError(t, err)
	assert.Contains(t, string(mainData), "pipeline ready")
	assert.NotContains(t, string(mainData), "request handled")
}

func TestCentralLoggerInvalidTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}

func TestBufferedWriterRotation(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rot.log")
	w, err := NewBufferedFileWriter(path, WithFlushInterval(0), WithBufferSize(16))
	require.NoError(t, err)
	w.maxBytes = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	_, err = w.Write(line)
	require.NoError(t, err)
	_, err = w.Write(line)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".1")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(line), string(data))

	_, err = w.Write(line)
	assert.Error(t, err)
}
