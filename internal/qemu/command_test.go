package qemu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acolita/webbsd-builder/internal/qemu"
)

func TestNewCommand(t *testing.T) {
	c := qemu.NewCommand("freebsd.img", 4444, 4445)

	args, err := c.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-m", "512",
		"-drive", "file=freebsd.img,format=raw,cache=writethrough",
		"-display", "none",
		"-serial", "tcp:127.0.0.1:4444,server=on,wait=off",
		"-monitor", "tcp:127.0.0.1:4445,server=on,wait=off",
		"-nic", "user,model=e1000",
		"-no-reboot",
	}, args)
}

func TestCommandStdioSerial(t *testing.T) {
	c := qemu.NewCommand("freebsd.img", 0, 4445)
	c.Serial = qemu.Stdio()
	c.Memory = 1024
	c.ExtraArgs = []string{"-smp", "2"}

	args, err := c.Build()
	require.NoError(t, err)
	assert.Contains(t, args, "stdio")
	assert.Contains(t, args, "1024")
	assert.Equal(t, []string{"-smp", "2"}, args[len(args)-2:])
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*qemu.Command)
	}{
		{"no binary", func(c *qemu.Command) { c.Binary = "" }},
		{"no drive", func(c *qemu.Command) { c.Drives = nil }},
		{"shared port", func(c *qemu.Command) { c.Monitor = qemu.TCP(4444) }},
		{"both stdio", func(c *qemu.Command) { c.Serial, c.Monitor = qemu.Stdio(), qemu.Stdio() }},
		{"bad port", func(c *qemu.Command) { c.Serial = qemu.TCP(70000) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qemu.NewCommand("freebsd.img", 4444, 4445)
			tt.modify(c)
			_, err := c.Build()
			assert.Error(t, err)
		})
	}
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "none", qemu.None().Value())
	assert.Equal(t, "stdio", qemu.Stdio().Value())
	assert.Equal(t, "127.0.0.1:5555", qemu.TCP(5555).Address())
}
