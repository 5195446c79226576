// Package applayer implements the dispatching of LoRaWAN application-layer
// packages on the end-device.
package applayer

import (
	"context"
	"time"
)

// DownlinkIndication holds a received downlink frame.
type DownlinkIndication struct {
	FPort     uint8     `json:"f_port"`
	Data      []byte    `json:"data"`
	Multicast bool      `json:"multicast"`
	RXTime    time.Time `json:"rx_time"`
}

// Uplink holds an uplink frame to transmit.
type Uplink struct {
	FPort     uint8  `json:"f_port"`
	Data      []byte `json:"data"`
	Confirmed bool   `json:"confirmed"`
}

// Sender defines the interface for sending uplinks.
type Sender interface {
	SendUplink(ctx context.Context, up Uplink) error
}

// Package defines the interface of an application-layer package.
type Package interface {
	// Port returns the FPort the package listens on.
	Port() uint8

	// Init initializes the package with the buffer used to build answers.
	// A nil buffer marks the package as uninitialized.
	Init(buf []byte)

	IsInitialized() bool

	// IsTxPending returns true when an answer still needs to be sent.
	IsTxPending() bool

	// Process handles the deferred work of the package. It is called
	// periodically from the handler loop.
	Process(ctx context.Context) error

	// OnDownlinkIndication handles a downlink for the package port.
	OnDownlinkIndication(ctx context.Context, ind DownlinkIndication) error
}

// SleepVetoer is implemented by packages that may prevent the device from
// entering low-power mode.
type SleepVetoer interface {
	VetoSleep() bool
}

// MACCommandHandler handles the MAC-commands received on port 0 and
// provides the MAC-commands to send.
type MACCommandHandler interface {
	HandleMACCommands(rxTime time.Time, data []byte) error
	TakeMACCommands() ([]byte, error)
}
