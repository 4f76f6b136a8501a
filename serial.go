// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	gridserial "github.com/grid-x/serial"
	"go.bug.st/serial"
)

// Parity of a serial character.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits of a serial character.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// UartMode is the character framing of a serial line.
type UartMode struct {
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Supported character framings.
var (
	Mode8N1 = UartMode{DataBits: 8, Parity: NoParity, StopBits: OneStopBit}
	Mode8E1 = UartMode{DataBits: 8, Parity: EvenParity, StopBits: OneStopBit}
	Mode8O1 = UartMode{DataBits: 8, Parity: OddParity, StopBits: OneStopBit}
	Mode8N2 = UartMode{DataBits: 8, Parity: NoParity, StopBits: TwoStopBits}
	Mode8E2 = UartMode{DataBits: 8, Parity: EvenParity, StopBits: TwoStopBits}
)

// characterBits returns the bits on the wire for one character, start bit included.
func (m UartMode) characterBits() int {
	bits := 1 + m.DataBits + 1
	if m.Parity != NoParity {
		bits++
	}
	if m.StopBits == TwoStopBits {
		bits++
	}
	return bits
}

func (m UartMode) parityLetter() string {
	switch m.Parity {
	case OddParity:
		return "O"
	case EvenParity:
		return "E"
	default:
		return "N"
	}
}

func (m UartMode) stopBits() int {
	if m.StopBits == TwoStopBits {
		return 2
	}
	return 1
}

func (m UartMode) String() string {
	return fmt.Sprintf("%d%s%d", m.DataBits, m.parityLetter(), m.stopBits())
}

// ParseUartMode parses a framing such as "8N1" or "8E2".
func ParseUartMode(s string) (UartMode, error) {
	for _, m := range []UartMode{Mode8N1, Mode8E1, Mode8O1, Mode8N2, Mode8E2} {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return UartMode{}, fmt.Errorf("%w: unsupported uart mode %q", ErrInvalidConfig, s)
}

// RS485Config enables kernel driven RS-485 direction control.
type RS485Config struct {
	Enabled            bool
	DelayRtsBeforeSend time.Duration
	DelayRtsAfterSend  time.Duration
	RtsHighDuringSend  bool
	RtsHighAfterSend   bool
	RxDuringTx         bool
}

// SerialConfig describes a serial line.
type SerialConfig struct {
	Address  string
	BaudRate int
	Mode     UartMode
	// RTSDirection raises RTS while transmitting. Ignored when RS485 is enabled.
	RTSDirection bool
	RS485        RS485Config
	Logger       *slog.Logger
}

// modemPort is the part of go.bug.st/serial used for direction control.
type modemPort interface {
	SetRTS(rts bool) error
	Drain() error
}

// SerialPort is a Stream over a serial device. Reads are served from a
// buffer filled by a background reader so Poll never blocks.
type SerialPort struct {
	SerialConfig

	mu    sync.Mutex
	port  io.ReadWriteCloser
	modem modemPort
	pump  *pump
}

// NewSerialPort returns an unopened port.
func NewSerialPort(config SerialConfig) *SerialPort {
	if config.Mode.DataBits == 0 {
		config.Mode = Mode8N1
	}
	return &SerialPort{SerialConfig: config}
}

// Connect opens the device if it is not open yet.
func (mb *SerialPort) Connect() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect()
}

// connect opens the port. Caller must hold the mutex.
func (mb *SerialPort) connect() error {
	if mb.port != nil {
		return nil
	}
	if mb.RS485.Enabled {
		port, err := gridserial.Open(&gridserial.Config{
			Address:  mb.Address,
			BaudRate: mb.BaudRate,
			DataBits: mb.Mode.DataBits,
			StopBits: mb.Mode.stopBits(),
			Parity:   mb.Mode.parityLetter(),
			RS485: gridserial.RS485Config{
				Enabled:            true,
				DelayRtsBeforeSend: mb.RS485.DelayRtsBeforeSend,
				DelayRtsAfterSend:  mb.RS485.DelayRtsAfterSend,
				RtsHighDuringSend:  mb.RS485.RtsHighDuringSend,
				RtsHighAfterSend:   mb.RS485.RtsHighAfterSend,
				RxDuringTx:         mb.RS485.RxDuringTx,
			},
		})
		if err != nil {
			return fmt.Errorf("could not open %s: %w", mb.Address, err)
		}
		mb.port = port
	} else {
		port, err := serial.Open(mb.Address, &serial.Mode{
			BaudRate: mb.BaudRate,
			DataBits: mb.Mode.DataBits,
			StopBits: toSerialStopBits(mb.Mode.StopBits),
			Parity:   toSerialParity(mb.Mode.Parity),
		})
		if err != nil {
			return fmt.Errorf("could not open %s: %w", mb.Address, err)
		}
		mb.port = port
		mb.modem = port
	}
	mb.pump = startPump(mb.port, rtuMaxSize*4, mb.Logger)
	mb.logf("modbus: serial port opened", "address", mb.Address, "baud", mb.BaudRate, "mode", mb.Mode.String())
	return nil
}

// toSerialStopBits converts modbus StopBits to serial library StopBits.
func toSerialStopBits(sb StopBits) serial.StopBits {
	switch sb {
	case TwoStopBits:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// toSerialParity converts modbus Parity to serial library Parity.
func toSerialParity(p Parity) serial.Parity {
	switch p {
	case OddParity:
		return serial.OddParity
	case EvenParity:
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// Close closes the device and waits for the reader to stop.
func (mb *SerialPort) Close() (err error) {
	mb.mu.Lock()
	port, p := mb.port, mb.pump
	mb.port, mb.modem, mb.pump = nil, nil, nil
	mb.mu.Unlock()

	if port != nil {
		err = port.Close()
	}
	if p != nil && !mb.RS485.Enabled {
		p.wait()
	}
	return
}

// Buffered returns the number of received bytes not read yet.
func (mb *SerialPort) Buffered() int {
	mb.mu.Lock()
	p := mb.pump
	mb.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.buffered()
}

// Read returns buffered bytes without blocking.
func (mb *SerialPort) Read(b []byte) (int, error) {
	mb.mu.Lock()
	p := mb.pump
	mb.mu.Unlock()
	if p == nil {
		return 0, ErrNotConnected
	}
	if n := p.read(b); n > 0 {
		return n, nil
	}
	return 0, p.failed()
}

// Write sends b to the device.
func (mb *SerialPort) Write(b []byte) (int, error) {
	mb.mu.Lock()
	port := mb.port
	mb.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	mb.logf("modbus: sending", "frame", fmt.Sprintf("% x", b))
	return port.Write(b)
}

// BeginTransmission raises RTS when RTS direction control is configured.
func (mb *SerialPort) BeginTransmission() {
	if m := mb.directionControl(); m != nil {
		if err := m.SetRTS(true); err != nil {
			mb.logf("modbus: set rts failed", "err", err)
		}
	}
}

// EndTransmission waits for the output to drain and lowers RTS.
func (mb *SerialPort) EndTransmission() {
	if m := mb.directionControl(); m != nil {
		if err := m.Drain(); err != nil {
			mb.logf("modbus: drain failed", "err", err)
		}
		if err := m.SetRTS(false); err != nil {
			mb.logf("modbus: clear rts failed", "err", err)
		}
	}
}

func (mb *SerialPort) directionControl() modemPort {
	if !mb.RTSDirection {
		return nil
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.modem
}

func (mb *SerialPort) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}
