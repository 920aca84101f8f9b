package msg

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndentWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &IndentWriter{Indent: "  ", W: &buf}

	_, err := w.Write([]byte("one\ntwo"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" more\nthree\n"))
	require.NoError(t, err)

	assert.Equal(t, "  one\n  two more\n  three\n", buf.String())
}

func TestProgressBarCountsJobs(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("compile", 4, 0, &buf)
	for range 4 {
		pb.Add(1)
	}
	pb.Finish()

	assert.Equal(t, int64(4), pb.Current)
	assert.Contains(t, buf.String(), "4/4")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestNilProgressBarIsInert(t *testing.T) {
	var pb *ProgressBar
	pb.Add(1)
	pb.Finish()
}

func TestLogFallsBackToDisabledLogger(t *testing.T) {
	logger := Log(context.Background())
	require.NotNil(t, logger)
	logger.Info().Msg("dropped")
}

func TestLogReturnsAttachedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")
	ctx := WithLogger(context.Background(), &logger)

	Log(ctx).Debug().Str("source", "utf-8.cpp").Msg("compiling")
	assert.Contains(t, buf.String(), "compiling")
	assert.Contains(t, buf.String(), "utf-8.cpp")
}

func TestInfoWritesTaggedLine(t *testing.T) {
	var buf bytes.Buffer
	old := Output
	Output = &buf
	defer func() { Output = old }()

	Info("linked %d targets", 3)
	assert.Contains(t, buf.String(), "linked 3 targets")
}
