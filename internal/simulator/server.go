// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	modbus "github.com/lumberbarons/modbusmaster"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTUServer answers Modbus RTU requests on the master side of a pty pair.
type RTUServer struct {
	handler  *Handler
	pty      *PtyPair
	slaveID  byte
	baudRate int
	logger   *slog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// RTUServerConfig holds configuration for the RTU server.
type RTUServerConfig struct {
	SlaveID  byte
	BaudRate int
	Logger   *slog.Logger
}

// NewRTUServer creates a new RTU server with the given data store and configuration.
func NewRTUServer(ds *DataStore, config *RTUServerConfig) (*RTUServer, error) {
	if config == nil {
		config = &RTUServerConfig{}
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.BaudRate == 0 {
		config.BaudRate = 19200
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pty, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to create pty: %w", err)
	}

	handler := NewHandler(ds)
	handler.Logger = logger
	return &RTUServer{
		handler:  handler,
		pty:      pty,
		slaveID:  config.SlaveID,
		baudRate: config.BaudRate,
		logger:   logger.With("server", "rtu"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// ClientDevicePath returns the device path that clients should connect to.
func (s *RTUServer) ClientDevicePath() string {
	return s.pty.SlavePath
}

// Start starts the RTU server in a goroutine.
func (s *RTUServer) Start() error {
	go s.serve()
	time.Sleep(200 * time.Millisecond)
	return nil
}

// Stop stops the RTU server and waits for it to finish.
func (s *RTUServer) Stop() error {
	close(s.stopChan)

	// Closing the pty unblocks a pending read.
	if err := s.pty.Close(); err != nil {
		s.logger.Warn("closing pty", "err", err)
	}

	select {
	case <-s.doneChan:
	case <-time.After(time.Second):
		s.logger.Warn("stop timed out, reader still blocked")
	}
	return nil
}

func (s *RTUServer) serve() {
	defer close(s.doneChan)

	s.logger.Info("listening", "pty", s.pty.MasterPath, "client", s.pty.SlavePath, "slave", s.slaveID)
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if err := s.handleRequest(); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("pty closed")
				return
			}
			s.logger.Error("handling request", "err", err)
		}
	}
}

// handleRequest reads a single request frame and sends a response.
func (s *RTUServer) handleRequest() error {
	// The deadline lets serve notice stopChan.
	if err := s.pty.Master.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
		s.logger.Debug("set read deadline", "err", err)
	}

	adu, err := s.readFrame()
	if err != nil {
		if os.IsTimeout(err) {
			return nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return io.EOF
		}
		s.logger.Warn("reading frame", "err", err)
		return nil
	}
	s.logger.Debug("rx", "frame", fmt.Sprintf("% x", adu))

	pdu, err := decodeRTU(adu)
	if err != nil {
		s.logger.Warn("bad frame", "err", err)
		return nil
	}
	switch adu[0] {
	case s.slaveID:
	case 0:
		s.handler.Broadcast(pdu)
		return nil
	default:
		return nil
	}

	resp := s.handler.HandleRequest(pdu)
	if resp == nil {
		return nil
	}
	out, err := encodeRTU(s.slaveID, resp)
	if err != nil {
		return err
	}

	time.Sleep(s.frameDelay(len(adu)))

	s.logger.Debug("tx", "frame", fmt.Sprintf("% x", out))
	if _, err := s.pty.Master.Write(out); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// readFrame reads one request, using the function code to size it.
func (s *RTUServer) readFrame() ([]byte, error) {
	var buffer [rtuMaxSize]byte

	n, err := io.ReadAtLeast(s.pty.Master, buffer[:], rtuMinSize)
	if err != nil {
		return nil, err
	}
	want := requestLength(buffer[:n])
	if want > n && want <= rtuMaxSize {
		if _, err := io.ReadFull(s.pty.Master, buffer[n:want]); err != nil {
			return nil, err
		}
		n = want
	}
	return buffer[:n], nil
}

// requestLength is the full RTU length of the request starting in data.
func requestLength(data []byte) int {
	switch data[1] {
	case modbus.FuncCodeReadExceptionStatus:
		return 4
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeDiagnostics:
		return 8
	case modbus.FuncCodeMaskWriteRegister:
		return 10
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(data) >= 7 {
			return 7 + int(data[6]) + 2
		}
		return 7
	case modbus.FuncCodeReadWriteMultipleRegisters:
		if len(data) >= 11 {
			return 11 + int(data[10]) + 2
		}
		return 11
	}
	return len(data)
}

// frameDelay is the transmission time of chars plus the 3.5 character
// inter-frame gap, fixed above 19200 baud.
func (s *RTUServer) frameDelay(chars int) time.Duration {
	charMicros, frameMicros := 750, 1750
	if s.baudRate > 0 && s.baudRate <= 19200 {
		charMicros = 15000000 / s.baudRate
		frameMicros = 35000000 / s.baudRate
	}
	return time.Duration(charMicros*chars+frameMicros) * time.Microsecond
}

func encodeRTU(slaveID byte, pdu *PDU) ([]byte, error) {
	length := len(pdu.Data) + 4
	if length > rtuMaxSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, rtuMaxSize)
	}
	adu := make([]byte, length)
	adu[0] = slaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)
	crc := modbus.CRC16(adu[:length-2])
	adu[length-2] = byte(crc)
	adu[length-1] = byte(crc >> 8)
	return adu, nil
}

func decodeRTU(adu []byte) (*PDU, error) {
	length := len(adu)
	if length < rtuMinSize {
		return nil, fmt.Errorf("frame length %d is less than minimum %d", length, rtuMinSize)
	}
	want := modbus.CRC16(adu[:length-2])
	got := uint16(adu[length-2]) | uint16(adu[length-1])<<8
	if got != want {
		return nil, fmt.Errorf("crc mismatch: expected %04x, got %04x", want, got)
	}
	data := make([]byte, length-4)
	copy(data, adu[2:length-2])
	return &PDU{FunctionCode: adu[1], Data: data}, nil
}
