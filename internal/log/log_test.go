package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerBeforeInit(t *testing.T) {
	l := GetLogger()
	require.NotNil(t, l)
	assert.True(t, l.IsInfoEnabled())
}

func TestPatternFormatter(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(&Config{Level: "debug", Pattern: "[%level] %field %msg\n"}, &buf)
	require.NoError(t, err)

	l.WithFields(map[string]interface{}{"b": 2, "a": "x"}).WithError(errors.New("boom")).Debug("hello")
	assert.Equal(t, "[DEBUG] a=x,b=2,error=boom hello\n", buf.String())
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(&Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.False(t, l.IsDebugEnabled())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l, err := newWithWriter(&Config{Level: "loud"}, &buf)
	require.NoError(t, err)
	assert.True(t, l.IsInfoEnabled())
	assert.False(t, l.IsDebugEnabled())
}

func TestPrefixedAndJSONFormats(t *testing.T) {
	for _, format := range []string{FormatPrefixed, FormatJSON} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := newWithWriter(&Config{Level: "info", Format: format}, &buf)
			require.NoError(t, err)
			l.WithField("session", "s1").Info("started")
			assert.Contains(t, buf.String(), "started")
			assert.Contains(t, buf.String(), "s1")
		})
	}

	_, err := newWithWriter(&Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usbview.log")
	var buf bytes.Buffer
	l, err := newWithWriter(&Config{Level: "info", File: FileAppenderOpt{Filename: path, MaxSize: 1}}, &buf)
	require.NoError(t, err)

	l.Info("to both")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "to both"))
	assert.Contains(t, buf.String(), "to both")
}

func TestInitReplacesLogger(t *testing.T) {
	before := GetLogger()
	require.NoError(t, Init(&Config{Level: "debug"}))
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	assert.NotSame(t, before, GetLogger())
	assert.True(t, GetLogger().IsDebugEnabled())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestMultiWriterKeepsWriting(t *testing.T) {
	var buf bytes.Buffer
	w := NewMultiWriter().Add(failingWriter{}).Add(&buf)
	n, err := w.Write([]byte("abc"))
	assert.Equal(t, 3, n)
	assert.Error(t, err)
	assert.Equal(t, "abc", buf.String())
}
