// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"encoding/binary"
	"log/slog"
	"sync"

	modbus "github.com/lumberbarons/modbusmaster"
)

// Exception codes returned by the simulator.
const (
	exIllegalFunction    byte = 0x01
	exIllegalDataAddress byte = 0x02
	exIllegalDataValue   byte = 0x03
)

// Per-request quantity limits.
const (
	maxReadBits        = 2000
	maxReadRegisters   = 125
	maxWriteBits       = 1968
	maxWriteRegisters  = 123
	maxReadWriteWrites = 121
)

// PDU is a function code and its payload, without addressing or checksum.
type PDU struct {
	FunctionCode byte
	Data         []byte
}

// counters are the serial line diagnostics counters reported through
// function code 0x08.
type counters struct {
	busMessages   uint16
	busExceptions uint16
	serverMsgs    uint16
	noResponse    uint16
}

// Handler processes Modbus function codes and interacts with the DataStore.
type Handler struct {
	dataStore *DataStore
	Logger    *slog.Logger

	mu       sync.Mutex
	counters counters
}

// NewHandler creates a new Handler with the given DataStore.
func NewHandler(ds *DataStore) *Handler {
	return &Handler{dataStore: ds}
}

// HandleRequest processes a request PDU and returns the response PDU.
// A nil response means the request is dropped to simulate a timeout.
func (h *Handler) HandleRequest(req *PDU) *PDU {
	h.count(func(c *counters) {
		c.busMessages++
		c.serverMsgs++
	})

	var resp *PDU
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		resp = h.readBits(req, RegisterTypeCoil, h.dataStore.ReadCoils)
	case modbus.FuncCodeReadDiscreteInputs:
		resp = h.readBits(req, RegisterTypeDiscreteInput, h.dataStore.ReadDiscreteInputs)
	case modbus.FuncCodeReadHoldingRegisters:
		resp = h.readRegisters(req, RegisterTypeHoldingReg, h.dataStore.ReadHoldingRegisters)
	case modbus.FuncCodeReadInputRegisters:
		resp = h.readRegisters(req, RegisterTypeInputReg, h.dataStore.ReadInputRegisters)
	case modbus.FuncCodeWriteSingleCoil:
		resp = h.writeSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		resp = h.writeSingleRegister(req)
	case modbus.FuncCodeReadExceptionStatus:
		resp = h.readExceptionStatus(req)
	case modbus.FuncCodeDiagnostics:
		resp = h.diagnostics(req)
	case modbus.FuncCodeWriteMultipleCoils:
		resp = h.writeMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		resp = h.writeMultipleRegisters(req)
	case modbus.FuncCodeMaskWriteRegister:
		resp = h.maskWriteRegister(req)
	case modbus.FuncCodeReadWriteMultipleRegisters:
		resp = h.readWriteMultipleRegisters(req)
	default:
		resp = exception(req.FunctionCode, exIllegalFunction)
	}

	switch {
	case resp == nil:
		h.count(func(c *counters) { c.noResponse++ })
		h.debug("dropping request", "function", req.FunctionCode)
	case resp.FunctionCode&0x80 != 0:
		h.count(func(c *counters) { c.busExceptions++ })
		h.debug("exception response", "function", req.FunctionCode, "exception", resp.Data[0])
	}
	return resp
}

// Broadcast applies a request addressed to every slave. No response is
// produced.
func (h *Handler) Broadcast(req *PDU) {
	h.HandleRequest(req)
}

func (h *Handler) count(fn func(*counters)) {
	h.mu.Lock()
	fn(&h.counters)
	h.mu.Unlock()
}

func (h *Handler) debug(msg string, args ...any) {
	if h.Logger != nil {
		h.Logger.Debug(msg, args...)
	}
}

// addressQuantity decodes the leading address and quantity words and
// checks the quantity against [1, max].
func addressQuantity(req *PDU, max uint16) (address, quantity uint16, ok bool) {
	if len(req.Data) < 4 {
		return 0, 0, false
	}
	address = binary.BigEndian.Uint16(req.Data[0:2])
	quantity = binary.BigEndian.Uint16(req.Data[2:4])
	return address, quantity, quantity >= 1 && quantity <= max
}

func (h *Handler) readBits(req *PDU, regType RegisterType, read func(address, quantity uint16) ([]bool, error)) *PDU {
	address, quantity, ok := addressQuantity(req, maxReadBits)
	if !ok {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(regType, address) {
		return nil
	}
	bits, err := read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return &PDU{FunctionCode: req.FunctionCode, Data: packBits(bits)}
}

func (h *Handler) readRegisters(req *PDU, regType RegisterType, read func(address, quantity uint16) ([]uint16, error)) *PDU {
	address, quantity, ok := addressQuantity(req, maxReadRegisters)
	if !ok {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(regType, address) {
		return nil
	}
	regs, err := read(address, quantity)
	if err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return &PDU{FunctionCode: req.FunctionCode, Data: packRegisters(regs)}
}

func (h *Handler) writeSingleCoil(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if value != 0x0000 && value != 0xFF00 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(RegisterTypeCoil, address) {
		return nil
	}
	if err := h.dataStore.WriteSingleCoil(address, value == 0xFF00); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return echo(req, 4)
}

func (h *Handler) writeSingleRegister(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	if !h.dataStore.ApplyDelay(RegisterTypeHoldingReg, address) {
		return nil
	}
	if err := h.dataStore.WriteSingleRegister(address, binary.BigEndian.Uint16(req.Data[2:4])); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return echo(req, 4)
}

func (h *Handler) readExceptionStatus(req *PDU) *PDU {
	if !h.dataStore.ApplyDelay(RegisterTypeCoil, 0) {
		return nil
	}
	return &PDU{FunctionCode: req.FunctionCode, Data: []byte{h.dataStore.ExceptionStatus()}}
}

// diagnostics answers the query data echo and the counter sub-functions.
func (h *Handler) diagnostics(req *PDU) *PDU {
	if len(req.Data) < 4 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	sub := binary.BigEndian.Uint16(req.Data[0:2])

	h.mu.Lock()
	c := h.counters
	var value uint16
	known := true
	switch sub {
	case modbus.DiagReturnQueryData:
		value = binary.BigEndian.Uint16(req.Data[2:4])
	case modbus.DiagRestartCommunications, modbus.DiagClearCounters:
		value = binary.BigEndian.Uint16(req.Data[2:4])
		h.counters = counters{}
	case modbus.DiagReturnDiagnosticRegister:
		value = 0
	case modbus.DiagClearOverrunCounterAndFlag:
		value = binary.BigEndian.Uint16(req.Data[2:4])
	case modbus.DiagReturnBusMessageCount:
		value = c.busMessages
	case modbus.DiagReturnBusCommErrorCount, modbus.DiagReturnBusCharOverrunCount,
		modbus.DiagReturnServerNAKCount, modbus.DiagReturnServerBusyCount:
		value = 0
	case modbus.DiagReturnBusExceptionErrorCount:
		value = c.busExceptions
	case modbus.DiagReturnServerMessageCount:
		value = c.serverMsgs
	case modbus.DiagReturnServerNoResponseCount:
		value = c.noResponse
	default:
		known = false
	}
	h.mu.Unlock()

	if !known {
		return exception(req.FunctionCode, exIllegalFunction)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], sub)
	binary.BigEndian.PutUint16(data[2:4], value)
	return &PDU{FunctionCode: req.FunctionCode, Data: data}
}

func (h *Handler) writeMultipleCoils(req *PDU) *PDU {
	address, quantity, ok := addressQuantity(req, maxWriteBits)
	if !ok || len(req.Data) < 5 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	byteCount := int(req.Data[4])
	if byteCount != int(quantity+7)/8 || len(req.Data) < 5+byteCount {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(RegisterTypeCoil, address) {
		return nil
	}
	if err := h.dataStore.WriteMultipleCoils(address, unpackBits(req.Data[5:5+byteCount], quantity)); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return echo(req, 4)
}

func (h *Handler) writeMultipleRegisters(req *PDU) *PDU {
	address, quantity, ok := addressQuantity(req, maxWriteRegisters)
	if !ok || len(req.Data) < 5 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	byteCount := int(req.Data[4])
	if byteCount != int(quantity)*2 || len(req.Data) < 5+byteCount {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(RegisterTypeHoldingReg, address) {
		return nil
	}
	if err := h.dataStore.WriteMultipleRegisters(address, unpackRegisters(req.Data[5:5+byteCount])); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return echo(req, 4)
}

func (h *Handler) maskWriteRegister(req *PDU) *PDU {
	if len(req.Data) < 6 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	if !h.dataStore.ApplyDelay(RegisterTypeHoldingReg, address) {
		return nil
	}
	andMask := binary.BigEndian.Uint16(req.Data[2:4])
	orMask := binary.BigEndian.Uint16(req.Data[4:6])
	if err := h.dataStore.MaskWriteRegister(address, andMask, orMask); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return echo(req, 6)
}

// readWriteMultipleRegisters writes before it reads.
func (h *Handler) readWriteMultipleRegisters(req *PDU) *PDU {
	readAddress, readQuantity, ok := addressQuantity(req, maxReadRegisters)
	if !ok || len(req.Data) < 9 {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	writeAddress := binary.BigEndian.Uint16(req.Data[4:6])
	writeQuantity := binary.BigEndian.Uint16(req.Data[6:8])
	byteCount := int(req.Data[8])
	if writeQuantity < 1 || writeQuantity > maxReadWriteWrites ||
		byteCount != int(writeQuantity)*2 || len(req.Data) < 9+byteCount {
		return exception(req.FunctionCode, exIllegalDataValue)
	}
	if !h.dataStore.ApplyDelay(RegisterTypeHoldingReg, readAddress) {
		return nil
	}
	if err := h.dataStore.WriteMultipleRegisters(writeAddress, unpackRegisters(req.Data[9:9+byteCount])); err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	regs, err := h.dataStore.ReadHoldingRegisters(readAddress, readQuantity)
	if err != nil {
		return exception(req.FunctionCode, exIllegalDataAddress)
	}
	return &PDU{FunctionCode: req.FunctionCode, Data: packRegisters(regs)}
}

func exception(functionCode, code byte) *PDU {
	return &PDU{FunctionCode: functionCode | 0x80, Data: []byte{code}}
}

// echo answers with the first n request bytes.
func echo(req *PDU, n int) *PDU {
	data := make([]byte, n)
	copy(data, req.Data)
	return &PDU{FunctionCode: req.FunctionCode, Data: data}
}

// packBits prepends the byte count and packs bits LSB first.
func packBits(values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	out := make([]byte, 1+byteCount)
	out[0] = byte(byteCount)
	for i, v := range values {
		if v {
			out[1+i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func unpackBits(data []byte, quantity uint16) []bool {
	out := make([]bool, quantity)
	for i := range out {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}

// packRegisters prepends the byte count and writes each register big-endian.
func packRegisters(regs []uint16) []byte {
	out := make([]byte, 1+2*len(regs))
	out[0] = byte(2 * len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[1+2*i:], r)
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
