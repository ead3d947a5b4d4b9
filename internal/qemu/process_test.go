package qemu_test

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acolita/webbsd-builder/internal/qemu"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestProcessTerminate(t *testing.T) {
	requireBinary(t, "sleep")

	p, err := qemu.StartProcess(context.Background(), "sleep", []string{"60"}, qemu.StartOptions{})
	require.NoError(t, err)
	assert.False(t, p.Exited())

	require.NoError(t, p.Terminate(2*time.Second))
	assert.True(t, p.Exited())
	assert.Error(t, p.Wait(), "a signalled process reports an exit error")

	// Second call is a no-op.
	assert.NoError(t, p.Terminate(time.Second))
}

func TestProcessKillAfterGrace(t *testing.T) {
	requireBinary(t, "sh")

	p, err := qemu.StartProcess(context.Background(), "sh", []string{"-c", "trap '' TERM; sleep 60"}, qemu.StartOptions{})
	require.NoError(t, err)

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Terminate(200*time.Millisecond))
	assert.True(t, p.Exited())
}

func TestProcessContextCancel(t *testing.T) {
	requireBinary(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	p, err := qemu.StartProcess(ctx, "sleep", []string{"60"}, qemu.StartOptions{Grace: time.Second})
	require.NoError(t, err)

	cancel()
	assert.True(t, p.WaitTimeout(5*time.Second), "process should exit once ctx is cancelled")
}

func TestProcessConsolePipe(t *testing.T) {
	requireBinary(t, "cat")

	p, err := qemu.StartProcess(context.Background(), "cat", nil, qemu.StartOptions{Console: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Terminate(time.Second) })

	con := p.Console()
	require.NotNil(t, con)

	_, err = io.WriteString(con, "ping\n")
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(con, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))
}

func TestProcessConsolePTY(t *testing.T) {
	requireBinary(t, "cat")

	p, err := qemu.StartProcess(context.Background(), "cat", nil, qemu.StartOptions{Console: true, PTY: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Terminate(time.Second) })

	_, err = io.WriteString(p.Console(), "pong\n")
	require.NoError(t, err)

	// The terminal echoes the input, then cat repeats it.
	buf := make([]byte, 4)
	_, err = io.ReadFull(p.Console(), buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}
