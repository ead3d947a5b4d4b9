// Package qemu builds emulator command lines and runs the emulator process.
package qemu

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// EndpointKind selects where a character device of the emulator goes.
type EndpointKind string

const (
	EndpointNone  EndpointKind = "none"
	EndpointStdio EndpointKind = "stdio"
	EndpointTCP   EndpointKind = "tcp"
)

// Endpoint is the host side of the emulator's serial port or monitor.
type Endpoint struct {
	Kind EndpointKind
	Host string
	Port int
}

// TCP returns a loopback TCP listener endpoint.
func TCP(port int) Endpoint {
	return Endpoint{Kind: EndpointTCP, Host: "127.0.0.1", Port: port}
}

// Stdio returns an endpoint on the emulator's standard streams.
func Stdio() Endpoint { return Endpoint{Kind: EndpointStdio} }

// None disables the device.
func None() Endpoint { return Endpoint{Kind: EndpointNone} }

// Value renders the endpoint as a QEMU character device spec. TCP endpoints
// listen without waiting for a client, so the guest boots even before the
// host connects.
func (e Endpoint) Value() string {
	switch e.Kind {
	case EndpointTCP:
		return fmt.Sprintf("tcp:%s,server=on,wait=off", e.Address())
	case EndpointStdio:
		return "stdio"
	default:
		return "none"
	}
}

// Address returns host:port of a TCP endpoint.
func (e Endpoint) Address() string {
	host := e.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Drive is a disk image attached to the guest.
type Drive struct {
	File   string
	Format string
	// Cache is the host cache mode; writethrough keeps the image consistent
	// when the emulator is killed.
	Cache string
}

func (d Drive) arg() Argument {
	opts := []string{"file=" + d.File}
	format := d.Format
	if format == "" {
		format = "raw"
	}
	opts = append(opts, "format="+format)
	if d.Cache != "" {
		opts = append(opts, "cache="+d.Cache)
	}
	return ArgDrive(opts...)
}

// Command is an emulator invocation.
type Command struct {
	Binary string
	// Memory in MB.
	Memory   int
	Drives   []Drive
	Display  string
	Serial   Endpoint
	Monitor  Endpoint
	NIC      string
	NoReboot bool
	// ExtraArgs are appended verbatim.
	ExtraArgs []string
}

// NewCommand returns a command booting image with the defaults used for
// image builds: 512 MB, no display, serial and monitor on loopback TCP and
// an e1000 user-mode network.
func NewCommand(image string, serialPort, monitorPort int) *Command {
	return &Command{
		Binary:   "qemu-system-i386",
		Memory:   512,
		Drives:   []Drive{{File: image, Format: "raw", Cache: "writethrough"}},
		Display:  "none",
		Serial:   TCP(serialPort),
		Monitor:  TCP(monitorPort),
		NIC:      "user,model=e1000",
		NoReboot: true,
	}
}

// Validate checks for settings the emulator would reject or that cannot be
// driven.
func (c *Command) Validate() error {
	var errs []error
	if c.Binary == "" {
		errs = append(errs, errors.New("emulator binary not set"))
	}
	if len(c.Drives) == 0 {
		errs = append(errs, errors.New("no drive attached"))
	}
	for _, d := range c.Drives {
		if d.File == "" {
			errs = append(errs, errors.New("drive without file"))
		}
	}
	if c.Serial.Kind == EndpointStdio && c.Monitor.Kind == EndpointStdio {
		errs = append(errs, errors.New("serial and monitor cannot both use stdio"))
	}
	if c.Serial.Kind == EndpointTCP && c.Monitor.Kind == EndpointTCP && c.Serial.Address() == c.Monitor.Address() {
		errs = append(errs, fmt.Errorf("serial and monitor share %s", c.Serial.Address()))
	}
	for _, e := range []Endpoint{c.Serial, c.Monitor} {
		if e.Kind == EndpointTCP && (e.Port <= 0 || e.Port > 65535) {
			errs = append(errs, fmt.Errorf("invalid port %d", e.Port))
		}
	}
	return errors.Join(errs...)
}

// Args returns the structured argument list.
func (c *Command) Args() Arguments {
	var a Arguments
	if c.Memory > 0 {
		a.Add(ArgMemory(c.Memory))
	}
	for _, d := range c.Drives {
		a.Add(d.arg())
	}
	if c.Display != "" {
		a.Add(ArgDisplay(c.Display))
	}
	if c.Serial.Kind != "" {
		a.Add(ArgSerial(c.Serial.Value()))
	}
	if c.Monitor.Kind != "" {
		a.Add(ArgMonitor(c.Monitor.Value()))
	}
	if c.NIC != "" {
		a.Add(ArgNIC(c.NIC))
	}
	if c.NoReboot {
		a.Add(UniqueArg("no-reboot"))
	}
	return a
}

// Build renders the full argument vector, without the binary.
func (c *Command) Build() ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	args, err := c.Args().Build()
	if err != nil {
		return nil, err
	}
	return append(args, c.ExtraArgs...), nil
}
