package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "clisession.log")
	l, err := New(Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithField("device", "R1").Info("hello <R1>")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device":"R1"`)
	assert.Contains(t, string(data), "<R1>")
}

func TestNewRejectsBadOutput(t *testing.T) {
	_, err := New(Config{Output: "syslog"})
	assert.Error(t, err)

	_, err = New(Config{Output: "file"})
	assert.Error(t, err)
}

func TestNewInvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(Config{Level: "chatty"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, l.GetLevel())
}

func TestParseOutputLines(t *testing.T) {
	out := ParseOutputLines("a\r\nb\nc\rd\ne\nf\n", 2)
	assert.Equal(t, []string{"a", "b"}, out.HeadLines)
	assert.Equal(t, []string{"e", "f"}, out.TailLines)
	assert.Equal(t, 6, out.Total)

	short := ParseOutputLines("only", 3)
	assert.Equal(t, short.HeadLines, short.TailLines)
	assert.Equal(t, "head-lines: [only]", FormatOutputLines(short))

	assert.Zero(t, ParseOutputLines("", 3).Total)
}

func TestDebugCommandOutput(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)

	DebugCommandOutput(logrus.NewEntry(l), "show version", "line1\nline2", 1)
	assert.Empty(t, buf.String())

	l.SetLevel(logrus.DebugLevel)
	DebugCommandOutput(logrus.NewEntry(l), "show version", "line1\nline2", 1)
	assert.True(t, strings.Contains(buf.String(), "tail-lines: [line2]"), buf.String())
}
