// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"math"
	"time"
)

// Handler receives a completed transaction. The transaction is only valid
// for the duration of the call; it is released or re-queued afterwards.
type Handler func(t *Transaction)

// dispatcher is implemented by the engine owning a transaction pool.
type dispatcher interface {
	dispatch(t *Transaction) ErrorCode
	now() time.Duration
}

// Transaction is a pooled request together with its framing buffers and
// the shape of the response it expects.
type Transaction struct {
	codec   *Codec
	owner   dispatcher
	index   int
	pduSize int
	// header and trailer sizes of the transport frame.
	hdr, tail int

	tx   []byte
	rx   []byte
	head []byte // expected response header and leading pdu bytes

	function byte
	txLen    int // pdu bytes to send
	respLen  int // pdu bytes expected back
	rxLen    int // frame bytes received

	dataBegin int
	dataLen   int
	elemSize  int

	code    ErrorCode
	handler Handler
	used    bool

	slaves   SlaveSet
	queuedAt time.Duration
	delay    time.Duration
	sentAt   time.Duration
}

func newTransaction(codec *Codec, owner dispatcher, index, pduSize, hdr, tail int) Transaction {
	return Transaction{
		codec:   codec,
		owner:   owner,
		index:   index,
		pduSize: pduSize,
		hdr:     hdr,
		tail:    tail,
		tx:      make([]byte, hdr+pduSize+tail),
		rx:      make([]byte, hdr+pduSize+tail),
		head:    make([]byte, hdr+maxResponseHeaderLen),
	}
}

// Code returns the result of the transaction; Success when it completed normally.
func (t *Transaction) Code() ErrorCode {
	return t.code
}

// Err returns nil on success or an *Error describing the failure.
func (t *Transaction) Err() error {
	if t.code == Success {
		return nil
	}
	return &Error{FunctionCode: t.function, Code: t.code}
}

// FunctionCode returns the function code of the request.
func (t *Transaction) FunctionCode() byte {
	return t.function
}

// Slave returns the unit id the request was last sent to.
func (t *Transaction) Slave() byte {
	if t.hdr == 0 {
		return SlaveNull
	}
	return t.tx[t.hdr-1]
}

// Slaves returns the target set of the request.
func (t *Transaction) Slaves() SlaveSet {
	return t.slaves
}

// Data returns the decoded data window of the response.
func (t *Transaction) Data() []byte {
	if t.dataLen == 0 {
		return nil
	}
	start := t.hdr + t.dataBegin
	return t.rx[start : start+t.dataLen]
}

// ElementSize returns the size of one decoded register element, or 0 for
// bit and raw responses.
func (t *Transaction) ElementSize() int {
	return t.elemSize
}

// Count returns the number of decoded elements, or the number of data
// bytes for responses without an element size.
func (t *Transaction) Count() int {
	if t.elemSize == 0 {
		return t.dataLen
	}
	return t.dataLen / t.elemSize
}

// Bit returns coil or input i of a bit read.
func (t *Transaction) Bit(i int) bool {
	if i < 0 || i >= t.dataLen*8 {
		return false
	}
	return t.rx[t.hdr+t.dataBegin+i/8]>>(i%8)&1 != 0
}

func (t *Transaction) element(i, size int) []byte {
	if i < 0 || (i+1)*size > t.dataLen {
		return nil
	}
	start := t.hdr + t.dataBegin + i*size
	return t.rx[start : start+size]
}

// Uint16 returns 16-bit element i, or 0 when out of range.
func (t *Transaction) Uint16(i int) uint16 {
	if b := t.element(i, 2); b != nil {
		return t.codec.order.Uint16(b)
	}
	return 0
}

// Int16 returns signed 16-bit element i.
func (t *Transaction) Int16(i int) int16 {
	return int16(t.Uint16(i))
}

// Uint32 returns 32-bit element i.
func (t *Transaction) Uint32(i int) uint32 {
	if b := t.element(i, 4); b != nil {
		return t.codec.order.Uint32(b)
	}
	return 0
}

// Int32 returns signed 32-bit element i.
func (t *Transaction) Int32(i int) int32 {
	return int32(t.Uint32(i))
}

// Float32 returns element i as an IEEE 754 single.
func (t *Transaction) Float32(i int) float32 {
	return math.Float32frombits(t.Uint32(i))
}

// Uint64 returns 64-bit element i.
func (t *Transaction) Uint64(i int) uint64 {
	if b := t.element(i, 8); b != nil {
		return t.codec.order.Uint64(b)
	}
	return 0
}

// Float64 returns element i as an IEEE 754 double.
func (t *Transaction) Float64(i int) float64 {
	return math.Float64frombits(t.Uint64(i))
}

func (t *Transaction) pdu() []byte {
	return t.tx[t.hdr : t.hdr+t.pduSize]
}

func (t *Transaction) template() []byte {
	return t.head[t.hdr:]
}

func (t *Transaction) response() []byte {
	n := t.rxLen - t.hdr - t.tail
	if n < 0 {
		n = 0
	}
	return t.rx[t.hdr : t.hdr+n]
}

// begin resets the codec state for a new request with function code fc.
func (t *Transaction) begin(fc byte) ([]byte, []byte) {
	t.function = fc
	t.txLen = 0
	t.respLen = 0
	t.dataBegin = 0
	t.dataLen = 0
	t.elemSize = 0
	t.code = Success
	head := t.template()
	for i := range head {
		head[i] = 0
	}
	head[0] = fc
	pdu := t.pdu()
	pdu[0] = fc
	return pdu, head
}

// readBits builds a read coils or read discrete inputs request.
//
//	Request:
//	 Function code         : 1 byte (0x01 or 0x02)
//	 Starting address      : 2 bytes
//	 Quantity              : 2 bytes
//	Response:
//	 Function code         : 1 byte
//	 Byte count            : 1 byte
//	 Status                : N* bytes (=N or N+1)
func (t *Transaction) readBits(fc byte, address, quantity uint16) ErrorCode {
	pdu, head := t.begin(fc)
	if quantity == 0 {
		return CodeTooFewData
	}
	if quantity > maxReadBits {
		return CodeTooManyData
	}
	byteCount := (int(quantity) + 7) / 8
	if t.pduSize < 5 || t.pduSize < 2+byteCount {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	t.txLen = 5
	head[1] = byte(byteCount)
	t.respLen = 2 + byteCount
	return Success
}

// readRegisters builds a read holding or input registers request for
// count elements of elemSize bytes each.
//
//	Request:
//	 Function code         : 1 byte (0x03 or 0x04)
//	 Starting address      : 2 bytes
//	 Quantity of registers : 2 bytes
//	Response:
//	 Function code         : 1 byte
//	 Byte count            : 1 byte
//	 Register value        : Nx2 bytes
func (t *Transaction) readRegisters(fc byte, address uint16, count, elemSize int) ErrorCode {
	pdu, head := t.begin(fc)
	if elemSize <= 0 || elemSize > maxElementSize {
		return CodeInvalidArgument
	}
	if count <= 0 {
		return CodeTooFewData
	}
	if count > maxReadRegisters {
		return CodeTooManyData
	}
	byteCount := count * paddedSize(elemSize)
	registers := byteCount / 2
	if registers > maxReadRegisters {
		return CodeTooManyData
	}
	if t.pduSize < 5 || t.pduSize < 2+byteCount {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], uint16(registers))
	t.txLen = 5
	head[1] = byte(byteCount)
	t.respLen = 2 + byteCount
	t.elemSize = elemSize
	return Success
}

// writeSingleCoil builds a write single coil request.
//
//	Request:
//	 Function code         : 1 byte (0x05)
//	 Output address        : 2 bytes
//	 Output value          : 2 bytes (0xFF00 or 0x0000)
//	Response:
//	 Echo of the request
func (t *Transaction) writeSingleCoil(address uint16, value bool) ErrorCode {
	var v uint16
	if value {
		v = 0xFF00
	}
	return t.writeSingle(FuncCodeWriteSingleCoil, address, v)
}

// writeSingleRegister builds a write single register request.
//
//	Request:
//	 Function code         : 1 byte (0x06)
//	 Register address      : 2 bytes
//	 Register value        : 2 bytes
//	Response:
//	 Echo of the request
func (t *Transaction) writeSingleRegister(address, value uint16) ErrorCode {
	return t.writeSingle(FuncCodeWriteSingleRegister, address, value)
}

func (t *Transaction) writeSingle(fc byte, address, value uint16) ErrorCode {
	pdu, head := t.begin(fc)
	if t.pduSize < 5 {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], value)
	copy(head[1:5], pdu[1:5])
	t.txLen = 5
	t.respLen = 5
	return Success
}

// writeMultipleCoils builds a write multiple coils request from values,
// packed least significant bit first.
//
//	Request:
//	 Function code         : 1 byte (0x0F)
//	 Starting address      : 2 bytes
//	 Quantity of outputs   : 2 bytes
//	 Byte count            : 1 byte
//	 Outputs value         : N* bytes
//	Response:
//	 Function code         : 1 byte
//	 Starting address      : 2 bytes
//	 Quantity of outputs   : 2 bytes
func (t *Transaction) writeMultipleCoils(address uint16, values []bool) ErrorCode {
	pdu, head := t.begin(FuncCodeWriteMultipleCoils)
	if len(values) == 0 {
		return CodeTooFewData
	}
	if len(values) > maxWriteBits {
		return CodeTooManyData
	}
	byteCount := (len(values) + 7) / 8
	if t.pduSize < 6+byteCount {
		return CodeBufferTooSmall
	}
	out := pdu[6 : 6+byteCount]
	for i := range out {
		out[i] = 0
	}
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	t.multipleHeader(pdu, head, address, uint16(len(values)), byteCount)
	return Success
}

// writeMultipleCoilBytes builds a write multiple coils request from
// already packed bytes holding quantity coils.
func (t *Transaction) writeMultipleCoilBytes(address uint16, data []byte, quantity uint16) ErrorCode {
	pdu, head := t.begin(FuncCodeWriteMultipleCoils)
	if len(data) == 0 {
		return CodeTooFewData
	}
	if len(data) > maxWriteBitBytes {
		return CodeTooManyData
	}
	if quantity == 0 || (int(quantity)+7)/8 != len(data) {
		return CodeInvalidQuantity
	}
	if t.pduSize < 6+len(data) {
		return CodeBufferTooSmall
	}
	copy(pdu[6:], data)
	t.multipleHeader(pdu, head, address, quantity, len(data))
	return Success
}

// writeMultipleRegisters builds a write multiple registers request from
// count elements of elemSize bytes laid out in host order in src.
//
//	Request:
//	 Function code         : 1 byte (0x10)
//	 Starting address      : 2 bytes
//	 Quantity of outputs   : 2 bytes
//	 Byte count            : 1 byte
//	 Registers value       : N* bytes
//	Response:
//	 Function code         : 1 byte
//	 Starting address      : 2 bytes
//	 Quantity of registers : 2 bytes
func (t *Transaction) writeMultipleRegisters(address uint16, src []byte, count, elemSize int) ErrorCode {
	pdu, head := t.begin(FuncCodeWriteMultipleRegisters)
	if elemSize <= 0 || elemSize > maxElementSize {
		return CodeInvalidArgument
	}
	if count <= 0 {
		return CodeTooFewData
	}
	if count > maxWriteRegisters {
		return CodeTooManyData
	}
	if len(src) < count*elemSize {
		return CodeInvalidSourceSize
	}
	byteCount := count * paddedSize(elemSize)
	if byteCount/2 > maxWriteRegisters {
		return CodeTooManyData
	}
	if t.pduSize < 6+byteCount {
		return CodeBufferTooSmall
	}
	if !t.codec.encodeRegisters(pdu[6:6+byteCount], src, count, elemSize) {
		return CodeBufferTooSmall
	}
	t.multipleHeader(pdu, head, address, uint16(byteCount/2), byteCount)
	return Success
}

func (t *Transaction) multipleHeader(pdu, head []byte, address, quantity uint16, byteCount int) {
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], quantity)
	pdu[5] = byte(byteCount)
	copy(head[1:5], pdu[1:5])
	t.txLen = 6 + byteCount
	t.respLen = 5
}

// maskWriteRegister builds a mask write register request.
//
//	Request:
//	 Function code         : 1 byte (0x16)
//	 Reference address     : 2 bytes
//	 AND-mask              : 2 bytes
//	 OR-mask               : 2 bytes
//	Response:
//	 Echo of the request
func (t *Transaction) maskWriteRegister(address, andMask, orMask uint16) ErrorCode {
	pdu, head := t.begin(FuncCodeMaskWriteRegister)
	if t.pduSize < 7 {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], address)
	binary.BigEndian.PutUint16(pdu[3:], andMask)
	binary.BigEndian.PutUint16(pdu[5:], orMask)
	copy(head[1:7], pdu[1:7])
	t.txLen = 7
	t.respLen = 7
	return Success
}

// readWriteMultipleRegisters builds a read/write multiple registers request.
// readCount elements of readSize bytes are read back; writeCount elements
// of writeSize bytes are taken from src in host order.
//
//	Request:
//	 Function code         : 1 byte (0x17)
//	 Read starting address : 2 bytes
//	 Quantity to read      : 2 bytes
//	 Write starting address: 2 bytes
//	 Quantity to write     : 2 bytes
//	 Write byte count      : 1 byte
//	 Write registers value : N* bytes
//	Response:
//	 Function code         : 1 byte
//	 Byte count            : 1 byte
//	 Read registers value  : Nx2 bytes
func (t *Transaction) readWriteMultipleRegisters(readAddress uint16, readCount, readSize int,
	writeAddress uint16, src []byte, writeCount, writeSize int) ErrorCode {
	pdu, head := t.begin(FuncCodeReadWriteMultipleRegisters)
	if readSize <= 0 || readSize > maxElementSize || writeSize <= 0 || writeSize > maxElementSize {
		return CodeInvalidArgument
	}
	if readCount <= 0 || writeCount <= 0 {
		return CodeTooFewData
	}
	if readCount > maxReadRegisters || writeCount > maxRWWriteRegisters {
		return CodeTooManyData
	}
	if len(src) < writeCount*writeSize {
		return CodeInvalidSourceSize
	}
	readBytes := readCount * paddedSize(readSize)
	writeBytes := writeCount * paddedSize(writeSize)
	if readBytes/2 > maxReadRegisters || writeBytes/2 > maxRWWriteRegisters {
		return CodeTooManyData
	}
	if t.pduSize < 10+writeBytes || t.pduSize < 2+readBytes {
		return CodeBufferTooSmall
	}
	if !t.codec.encodeRegisters(pdu[10:10+writeBytes], src, writeCount, writeSize) {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], readAddress)
	binary.BigEndian.PutUint16(pdu[3:], uint16(readBytes/2))
	binary.BigEndian.PutUint16(pdu[5:], writeAddress)
	binary.BigEndian.PutUint16(pdu[7:], uint16(writeBytes/2))
	pdu[9] = byte(writeBytes)
	t.txLen = 10 + writeBytes
	head[1] = byte(readBytes)
	t.respLen = 2 + readBytes
	t.elemSize = readSize
	return Success
}

// readExceptionStatus builds a read exception status request.
//
//	Request:
//	 Function code         : 1 byte (0x07)
//	Response:
//	 Function code         : 1 byte
//	 Output data           : 1 byte
func (t *Transaction) readExceptionStatus() ErrorCode {
	t.begin(FuncCodeReadExceptionStatus)
	t.txLen = 1
	t.respLen = 2
	return Success
}

// Diagnostics sub-function codes accepted by the request builder.
const (
	DiagReturnQueryData              = 0x00
	DiagRestartCommunications        = 0x01
	DiagReturnDiagnosticRegister     = 0x02
	DiagChangeASCIIInputDelimiter    = 0x03
	DiagForceListenOnlyMode          = 0x04
	DiagClearCounters                = 0x0A
	DiagReturnBusMessageCount        = 0x0B
	DiagReturnBusCommErrorCount      = 0x0C
	DiagReturnBusExceptionErrorCount = 0x0D
	DiagReturnServerMessageCount     = 0x0E
	DiagReturnServerNoResponseCount  = 0x0F
	DiagReturnServerNAKCount         = 0x10
	DiagReturnServerBusyCount        = 0x11
	DiagReturnBusCharOverrunCount    = 0x12
	DiagClearOverrunCounterAndFlag   = 0x14
)

// diagnostics builds a diagnostics request.
//
//	Request:
//	 Function code         : 1 byte (0x08)
//	 Sub-function          : 2 bytes
//	 Data                  : 2 bytes
//	Response:
//	 Function code         : 1 byte
//	 Sub-function          : 2 bytes
//	 Data                  : 2 bytes
func (t *Transaction) diagnostics(subFunction, value uint16) ErrorCode {
	pdu, head := t.begin(FuncCodeDiagnostics)
	if subFunction > DiagClearOverrunCounterAndFlag ||
		(subFunction > DiagForceListenOnlyMode && subFunction < DiagClearCounters) {
		return CodeInvalidSubFunction
	}
	if t.pduSize < 5 {
		return CodeBufferTooSmall
	}
	binary.BigEndian.PutUint16(pdu[1:], subFunction)
	binary.BigEndian.PutUint16(pdu[3:], value)
	copy(head[1:5], pdu[1:5])
	t.txLen = 5
	t.respLen = 5
	return Success
}

// decode validates the received pdu against the request template and sets
// the data window. It does not touch a transaction that already failed.
func (t *Transaction) decode() {
	if t.code != Success {
		t.dataBegin, t.dataLen = 0, 0
		return
	}
	resp := t.response()
	head := t.template()
	if len(resp) == 0 {
		t.code = CodeInvalidByteLength
		return
	}
	if resp[0] == head[0]+exceptionFlag {
		if len(resp) < 2 {
			t.code = CodeInvalidByteLength
			return
		}
		t.code = ErrorCode(resp[1])
		if !t.code.IsException() {
			t.code = CodeInvalidExceptionCode
		}
		return
	}
	if resp[0] != head[0] {
		t.code = CodeInvalidFunction
		return
	}
	if len(resp) != t.respLen {
		t.code = CodeInvalidByteLength
		return
	}
	switch head[0] {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs, FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters, FuncCodeReadWriteMultipleRegisters:
		if resp[1] != head[1] {
			t.code = CodeInvalidByteLength
			return
		}
		t.dataBegin = 2
		t.dataLen = int(resp[1])
		if t.elemSize > 0 && t.dataLen%2 == 0 {
			count := t.dataLen / paddedSize(t.elemSize)
			if !t.codec.decodeRegisters(resp[2:], count, t.elemSize, t.pduSize) {
				t.code = CodeBufferTooSmall
				t.dataLen = 0
				return
			}
			t.dataLen = count * t.elemSize
		}
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister:
		if resp[1] != head[1] || resp[2] != head[2] {
			t.code = CodeInvalidAddress
			return
		}
		if resp[3] != head[3] || resp[4] != head[4] {
			t.code = CodeInvalidData
		}
	case FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		if resp[1] != head[1] || resp[2] != head[2] {
			t.code = CodeInvalidAddress
			return
		}
		if resp[3] != head[3] || resp[4] != head[4] {
			t.code = CodeInvalidByteLength
		}
	case FuncCodeMaskWriteRegister:
		if resp[1] != head[1] || resp[2] != head[2] {
			t.code = CodeInvalidAddress
			return
		}
		for i := 3; i < 7; i++ {
			if resp[i] != head[i] {
				t.code = CodeInvalidData
				return
			}
		}
	case FuncCodeReadExceptionStatus:
		t.dataBegin = 1
		t.dataLen = 1
	case FuncCodeDiagnostics:
		if resp[1] != head[1] || resp[2] != head[2] {
			t.code = CodeInvalidSubFunction
			return
		}
		t.dataBegin = 3
		t.dataLen = 2
	default:
		t.code = CodeNotSupported
	}
}

// invoke decodes the response and completes the transaction.
func (t *Transaction) invoke() {
	t.decode()
	t.complete()
}

// fail completes the transaction with code.
func (t *Transaction) fail(code ErrorCode) {
	t.code = code
	t.dataBegin, t.dataLen = 0, 0
	t.complete()
}

// complete runs the handler once, then either hands the transaction back to
// its engine for the next target or releases it.
func (t *Transaction) complete() {
	if t.handler != nil {
		t.handler(t)
	}
	if !t.repeat() {
		t.release()
	}
}

// repeat re-arms the transaction for the next member of its slave set.
func (t *Transaction) repeat() bool {
	if t.owner == nil || !t.slaves.Valid() {
		return false
	}
	prev := t.slaves.Active()
	next := t.slaves.Next()
	if next > MaxSlaveID {
		return false
	}
	t.queuedAt = t.owner.now()
	if prev != SlaveBOF && prev >= next {
		t.delay = t.slaves.RepeatDelay()
	} else {
		t.delay = t.slaves.Delay()
	}
	t.code = Success
	t.dataBegin, t.dataLen = 0, 0
	t.rxLen = 0
	if code := t.owner.dispatch(t); code != Success {
		// Report the failed re-arm and stop cycling.
		t.code = code
		if t.handler != nil {
			t.handler(t)
		}
		return false
	}
	return true
}

// release returns the transaction to its pool.
func (t *Transaction) release() {
	t.handler = nil
	t.txLen = 0
	t.respLen = 0
	t.rxLen = 0
	t.dataBegin = 0
	t.dataLen = 0
	t.elemSize = 0
	t.code = Success
	t.slaves = SlaveSet{}
	t.queuedAt = 0
	t.delay = 0
	t.sentAt = 0
	t.used = false
}

// ready reports whether the scheduled delay has elapsed at now.
func (t *Transaction) ready(now time.Duration) bool {
	return now-t.queuedAt >= t.delay
}
