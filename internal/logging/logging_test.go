package logging_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/internal/logging"
)

type recordingLogger struct {
	lines *[]string
	tag   string
}

func (r recordingLogger) Debugw(msg string, _ ...interface{}) { *r.lines = append(*r.lines, r.tag+msg) }
func (r recordingLogger) Infow(msg string, _ ...interface{})  { *r.lines = append(*r.lines, r.tag+msg) }
func (r recordingLogger) Warnw(msg string, _ ...interface{})  { *r.lines = append(*r.lines, r.tag+msg) }
func (r recordingLogger) Errorw(msg string, _ ...interface{}) { *r.lines = append(*r.lines, r.tag+msg) }

func TestModuleWithoutLoggerIsNullSafe(t *testing.T) {
	l := logging.Module("pool")(context.Background())
	require.NotPanics(t, func() {
		l.Infow("hello")
		l.Errorw("boom")
	})
}

func TestWithLoggerInjectsFactory(t *testing.T) {
	var lines []string
	f := logging.Factory(func(module string) logging.Logger {
		return recordingLogger{&lines, "[" + module + "] "}
	})

	ctx := logging.WithLogger(context.Background(), f)
	l := logging.Module("pool")(ctx)
	l.Infow("opened")

	require.Equal(t, []string{"[pool] opened"}, lines)
}

func TestBroadcastFansOutToAll(t *testing.T) {
	var a, b []string
	fa := logging.Factory(func(m string) logging.Logger { return recordingLogger{&a, "a:"} })
	fb := logging.Factory(func(m string) logging.Logger { return recordingLogger{&b, "b:"} })

	ctx := logging.WithLogger(context.Background(), logging.Broadcast(fa, fb))
	l := logging.Module("snapshot")(ctx)
	l.Warnw("retry")

	require.Equal(t, []string{"a:retry"}, a)
	require.Equal(t, []string{"b:retry"}, b)
}
