// Package console provides the raw duplex byte channels that connect the
// host to an emulated machine's serial console: TCP sockets exposed by the
// emulator, child-process pipes and pseudo-terminals.
//
// Every channel is wrapped by a [Pump] so that reads never block the single
// thread of control that drives the guest.
package console
