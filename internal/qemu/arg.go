// SPDX-FileCopyrightText: 2024 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrArgumentCollision is returned when an argument that may appear only once
// is given twice, or a repeatable one is repeated with the same value.
var ErrArgumentCollision = errors.New("colliding emulator arguments")

// Argument is one emulator flag with an optional value.
type Argument struct {
	name       string
	value      string
	repeatable bool
}

// UniqueArg returns an argument that may appear once per command line. Values
// are joined with commas, as QEMU option lists are.
func UniqueArg(name string, value ...string) Argument {
	return Argument{name: name, value: strings.Join(value, ",")}
}

// RepeatableArg returns an argument that may appear several times with
// different values, like -drive.
func RepeatableArg(name string, value ...string) Argument {
	return Argument{name: name, value: strings.Join(value, ","), repeatable: true}
}

// Name returns the flag name without the leading dash.
func (a Argument) Name() string { return a.name }

// Value returns the flag value.
func (a Argument) Value() string { return a.value }

// String renders the argument as it appears on a command line.
func (a Argument) String() string {
	if a.value == "" {
		return "-" + a.name
	}
	return "-" + a.name + " " + a.value
}

// Collides reports whether a and other may not both be present.
func (a Argument) Collides(other Argument) bool {
	if a.name != other.name {
		return false
	}
	if a.repeatable {
		return a.value == other.value
	}
	return true
}

// Arguments is an ordered emulator command line.
type Arguments []Argument

// Add appends arguments.
func (a *Arguments) Add(args ...Argument) {
	*a = append(*a, args...)
}

// Build renders the arguments for exec.Command. It fails on the first
// collision.
func (a Arguments) Build() ([]string, error) {
	return BuildArgumentStrings(a)
}

// BuildArgumentStrings renders args for exec.Command, rejecting collisions.
func BuildArgumentStrings(args []Argument) ([]string, error) {
	out := make([]string, 0, 2*len(args))
	for idx, arg := range args {
		if i := slices.IndexFunc(args[:idx], arg.Collides); i >= 0 {
			return nil, fmt.Errorf("%w: %s and %s", ErrArgumentCollision, args[i], arg)
		}
		out = append(out, "-"+arg.name)
		if arg.value != "" {
			out = append(out, arg.value)
		}
	}
	return out, nil
}

func ArgMemory(mb int) Argument {
	return UniqueArg("m", strconv.Itoa(mb))
}

func ArgDisplay(display string) Argument {
	return UniqueArg("display", display)
}

func ArgSerial(value string) Argument {
	return RepeatableArg("serial", value)
}

func ArgMonitor(value string) Argument {
	return UniqueArg("monitor", value)
}

func ArgDrive(opts ...string) Argument {
	return RepeatableArg("drive", opts...)
}

func ArgNIC(opts ...string) Argument {
	return RepeatableArg("nic", opts...)
}
