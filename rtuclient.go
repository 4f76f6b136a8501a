// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	rtuResponseTimeout  = 3 * time.Second
	rtuDefaultBaudRate  = 19200
	rtuDefaultQueueSize = 8
)

type rtuState int

const (
	rtuBufferClear rtuState = iota
	rtuIdle
	rtuReceive
	rtuHeadChecked
)

func (s rtuState) String() string {
	switch s {
	case rtuBufferClear:
		return "buffer-clear"
	case rtuIdle:
		return "idle"
	case rtuReceive:
		return "receive"
	case rtuHeadChecked:
		return "head-checked"
	}
	return fmt.Sprintf("rtuState(%d)", int(s))
}

// RTUConfig configures an RTUMaster. Zero values select defaults.
type RTUConfig struct {
	// PDUSize bounds request and response payloads, MinPDUSize to MaxPDUSize.
	PDUSize int
	// QueueSize is both the transaction pool size and the queue capacity.
	QueueSize int
	BaudRate  int
	Mode      UartMode
	// ResponseTimeout is the wait for the first response byte.
	ResponseTimeout time.Duration
	// Transmitter overrides the direction control found on the stream.
	Transmitter Transmitter
	Clock       Clock
	Codec       *Codec
	Logger      *slog.Logger
}

// RTUMaster drives a serial line. It is not safe for concurrent use; all
// requests and Poll calls must come from one goroutine.
type RTUMaster struct {
	Client
	Logger *slog.Logger

	stream      Stream
	transmitter Transmitter
	clock       Clock
	pool        []Transaction
	queue       *transactionQueue

	state     rtuState
	current   *Transaction
	exception bool
	lastByte  time.Duration

	baudRate        int
	mode            UartMode
	byteTimeout     time.Duration
	frameTimeout    time.Duration
	responseTimeout time.Duration
}

// NewRTUMaster returns a master reading and writing stream. Stray bytes
// already buffered on the stream are discarded.
func NewRTUMaster(stream Stream, config RTUConfig) (*RTUMaster, error) {
	if stream == nil {
		return nil, fmt.Errorf("%w: nil stream", ErrInvalidConfig)
	}
	if config.PDUSize == 0 {
		config.PDUSize = MaxPDUSize
	}
	if config.PDUSize < MinPDUSize || config.PDUSize > MaxPDUSize {
		return nil, fmt.Errorf("%w: pdu size %d out of range [%d, %d]", ErrInvalidConfig, config.PDUSize, MinPDUSize, MaxPDUSize)
	}
	if config.QueueSize == 0 {
		config.QueueSize = rtuDefaultQueueSize
	}
	if config.QueueSize < 0 {
		return nil, fmt.Errorf("%w: queue size %d", ErrInvalidConfig, config.QueueSize)
	}
	if config.BaudRate == 0 {
		config.BaudRate = rtuDefaultBaudRate
	}
	if config.BaudRate < 0 {
		return nil, fmt.Errorf("%w: baud rate %d", ErrInvalidConfig, config.BaudRate)
	}
	if config.Mode.DataBits == 0 {
		config.Mode = Mode8N1
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = rtuResponseTimeout
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Codec == nil {
		config.Codec = NewCodec()
	}

	mb := &RTUMaster{
		Logger:          config.Logger,
		stream:          stream,
		transmitter:     config.Transmitter,
		clock:           config.Clock,
		queue:           newTransactionQueue(config.QueueSize),
		responseTimeout: config.ResponseTimeout,
	}
	if mb.transmitter == nil {
		if t, ok := stream.(Transmitter); ok {
			mb.transmitter = t
		}
	}
	mb.Client = Client{engine: mb, codec: config.Codec}
	mb.pool = make([]Transaction, config.QueueSize)
	for i := range mb.pool {
		mb.pool[i] = newTransaction(config.Codec, mb, i, config.PDUSize, rtuHeaderSize, rtuTrailerSize)
	}
	mb.SetBaudRate(config.BaudRate, config.Mode)

	mb.drain()
	mb.state = rtuIdle
	mb.lastByte = mb.clock.Now() - mb.frameTimeout
	return mb, nil
}

// rtuTimeouts derives the inter-character and inter-frame silences.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func rtuTimeouts(baudRate int, mode UartMode) (byteTimeout, frameTimeout time.Duration) {
	if baudRate <= 0 || baudRate > 19200 {
		return 750 * time.Microsecond, 1750 * time.Microsecond
	}
	character := time.Duration(mode.characterBits()) * time.Second / time.Duration(baudRate)
	return character * 3 / 2, character * 7 / 2
}

// SetBaudRate recomputes the byte and frame timeouts for a line speed.
func (mb *RTUMaster) SetBaudRate(baudRate int, mode UartMode) {
	mb.baudRate = baudRate
	mb.mode = mode
	mb.byteTimeout, mb.frameTimeout = rtuTimeouts(baudRate, mode)
}

// ByteTimeout returns the maximum silence inside a frame.
func (mb *RTUMaster) ByteTimeout() time.Duration {
	return mb.byteTimeout
}

// SetByteTimeout overrides the silence inside a frame.
func (mb *RTUMaster) SetByteTimeout(d time.Duration) {
	mb.byteTimeout = d
}

// FrameTimeout returns the minimum silence between frames.
func (mb *RTUMaster) FrameTimeout() time.Duration {
	return mb.frameTimeout
}

// SetFrameTimeout overrides the silence between frames.
func (mb *RTUMaster) SetFrameTimeout(d time.Duration) {
	mb.frameTimeout = d
}

// ResponseTimeout returns the wait for the first response byte.
func (mb *RTUMaster) ResponseTimeout() time.Duration {
	return mb.responseTimeout
}

// SetResponseTimeout sets the wait for the first response byte.
func (mb *RTUMaster) SetResponseTimeout(d time.Duration) {
	mb.responseTimeout = d
}

// Pending returns the number of queued transactions, the one in flight included.
func (mb *RTUMaster) Pending() int {
	n := mb.queue.len()
	if mb.current != nil {
		n++
	}
	return n
}

// Clear drops every queued and in-flight transaction without calling
// their handlers.
func (mb *RTUMaster) Clear() {
	mb.queue.clear()
	if mb.current != nil {
		mb.current.release()
		mb.current = nil
	}
	mb.state = rtuBufferClear
	mb.lastByte = mb.clock.Now()
}

func (mb *RTUMaster) acquire() *Transaction {
	for i := range mb.pool {
		if !mb.pool[i].used {
			mb.pool[i].used = true
			return &mb.pool[i]
		}
	}
	return nil
}

func (mb *RTUMaster) now() time.Duration {
	return mb.clock.Now()
}

// dispatch frames t for the active member of its slave set and queues it.
func (mb *RTUMaster) dispatch(t *Transaction) ErrorCode {
	f := (*rtuFrame)(t)
	f.setHead(t.slaves.Active())
	f.setCRC()
	t.rxLen = 0
	if !mb.queue.add(t) {
		return CodeQueueFull
	}
	return Success
}

// Poll advances the state machine without blocking. Call it periodically,
// more often than the byte timeout when possible.
func (mb *RTUMaster) Poll() {
	now := mb.clock.Now()
	switch mb.state {
	case rtuBufferClear:
		if mb.drain() > 0 {
			mb.lastByte = now
			return
		}
		if now-mb.lastByte >= mb.frameTimeout {
			mb.state = rtuIdle
		}
	case rtuIdle:
		mb.send(now)
	case rtuReceive:
		mb.receive(now)
	case rtuHeadChecked:
		if mb.fill() > 0 {
			mb.lastByte = now
		}
		mb.checkComplete(now)
	}
}

func (mb *RTUMaster) send(now time.Duration) {
	if mb.queue.isEmpty() {
		// Keep the line idle long enough for the next request to go out at once.
		mb.lastByte = now - mb.frameTimeout
		return
	}
	if now-mb.lastByte < mb.frameTimeout {
		return
	}
	t := mb.queue.readReady(now)
	if t == nil {
		return
	}
	f := (*rtuFrame)(t)
	frame := f.tx[:f.length()]
	mb.logf("modbus: sending", "frame", fmt.Sprintf("% x", frame))
	if mb.transmitter != nil {
		mb.transmitter.BeginTransmission()
	}
	if _, err := mb.stream.Write(frame); err != nil {
		mb.logf("modbus: write failed", "err", err)
	}
	if mb.transmitter != nil {
		mb.transmitter.EndTransmission()
	}
	mb.lastByte = mb.clock.Now()

	if t.Slave() == 0 {
		// Broadcast: no response.
		t.complete()
		return
	}
	mb.current = t
	mb.exception = false
	mb.state = rtuReceive
}

func (mb *RTUMaster) receive(now time.Duration) {
	f := (*rtuFrame)(mb.current)
	if mb.fill() > 0 {
		mb.lastByte = now
	} else {
		timeout := mb.responseTimeout
		if f.rxLen > 0 {
			timeout = mb.byteTimeout
		}
		if now-mb.lastByte >= timeout {
			mb.abort(now, CodeResponseTimeout)
		}
		return
	}
	if f.rxLen < 2 {
		return
	}
	if code := f.checkResponseHead(); code != Success {
		mb.abort(now, code)
		return
	}
	mb.exception = f.isException()
	mb.state = rtuHeadChecked
	// The bytes just read may already complete the frame.
	mb.checkComplete(now)
}

func (mb *RTUMaster) checkComplete(now time.Duration) {
	f := (*rtuFrame)(mb.current)
	if f.rxLen == f.responseLength() || (mb.exception && f.rxLen == rtuExceptionSize) {
		mb.logf("modbus: received", "frame", fmt.Sprintf("% x", f.rx[:f.rxLen]))
		if code := f.checkResponseCRC(); code != Success {
			mb.abort(now, code)
			return
		}
		t := mb.current
		mb.current = nil
		mb.state = rtuIdle
		t.invoke()
		return
	}
	if now-mb.lastByte >= mb.byteTimeout {
		mb.abort(now, CodeResponseTimeout)
	}
}

// abort fails the transaction in flight and discards what is left on the line.
func (mb *RTUMaster) abort(now time.Duration, code ErrorCode) {
	t := mb.current
	mb.current = nil
	if mb.drain() > 0 {
		mb.state = rtuBufferClear
		mb.lastByte = now
	} else {
		mb.state = rtuIdle
	}
	mb.logf("modbus: transaction failed", "slave", t.Slave(), "function", t.function, "err", code)
	t.fail(code)
}

// fill appends the buffered bytes to the response of the transaction in flight.
func (mb *RTUMaster) fill() int {
	t := mb.current
	n := mb.stream.Buffered()
	if free := len(t.rx) - t.rxLen; n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	n, err := mb.stream.Read(t.rx[t.rxLen : t.rxLen+n])
	if err != nil {
		mb.logf("modbus: read failed", "err", err)
	}
	t.rxLen += n
	return n
}

// drain discards buffered bytes and returns how many were dropped.
func (mb *RTUMaster) drain() int {
	var scratch [rtuMaxSize]byte
	total := 0
	for mb.stream.Buffered() > 0 {
		n, err := mb.stream.Read(scratch[:])
		total += n
		if n == 0 || err != nil {
			break
		}
	}
	return total
}

func (mb *RTUMaster) logf(msg string, args ...any) {
	if mb.Logger != nil {
		mb.Logger.Debug(msg, args...)
	}
}
