// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"
)

const (
	tcpResponseTimeout   = 2 * time.Second
	tcpReconnectInterval = 100 * time.Millisecond
	tcpDefaultPoolSize   = 16
	tcpDefaultChannels   = 4
	tcpDefaultQueueSize  = 8
)

// TCPConfig configures a TCPClient. Zero values select defaults.
type TCPConfig struct {
	// PDUSize bounds request and response payloads, MinPDUSize to MaxPDUSize.
	PDUSize int
	// PoolSize is the number of transactions shared by all channels.
	PoolSize int
	// MaxChannels is the number of channel slots.
	MaxChannels int
	// ResponseTimeout and ReconnectInterval are inherited by channels that
	// do not set their own.
	ResponseTimeout   time.Duration
	ReconnectInterval time.Duration
	Clock             Clock
	Codec             *Codec
	Logger            *slog.Logger
}

// ChannelConfig configures the connection serving one unit id.
type ChannelConfig struct {
	// UnitID routes requests to this channel. It must not be 0.
	UnitID byte
	// Address is dialed with a NetConn when Conn is nil.
	Address string
	Conn    Conn
	// AllAtOnce sends every ready request without waiting for responses.
	// Otherwise a single request is outstanding at a time.
	AllAtOnce bool
	// QueueSize bounds both the queue and the in-flight requests.
	QueueSize int
	// KeepAlive reconnects a dropped connection even when idle.
	KeepAlive         bool
	ResponseTimeout   time.Duration
	ReconnectInterval time.Duration
}

// TCPClient routes requests to one connection per unit id. It is not safe
// for concurrent use; all requests and Poll calls must come from one goroutine.
type TCPClient struct {
	Client
	Logger *slog.Logger

	clock    Clock
	pool     []Transaction
	channels []*channel

	responseTimeout   time.Duration
	reconnectInterval time.Duration
}

// NewTCPClient returns a client without channels.
func NewTCPClient(config TCPConfig) (*TCPClient, error) {
	if config.PDUSize == 0 {
		config.PDUSize = MaxPDUSize
	}
	if config.PDUSize < MinPDUSize || config.PDUSize > MaxPDUSize {
		return nil, fmt.Errorf("%w: pdu size %d out of range [%d, %d]", ErrInvalidConfig, config.PDUSize, MinPDUSize, MaxPDUSize)
	}
	if config.PoolSize == 0 {
		config.PoolSize = tcpDefaultPoolSize
	}
	if config.MaxChannels == 0 {
		config.MaxChannels = tcpDefaultChannels
	}
	if config.PoolSize < 0 || config.MaxChannels < 0 {
		return nil, fmt.Errorf("%w: pool size %d, channels %d", ErrInvalidConfig, config.PoolSize, config.MaxChannels)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = tcpResponseTimeout
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = tcpReconnectInterval
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Codec == nil {
		config.Codec = NewCodec()
	}

	mb := &TCPClient{
		Logger:            config.Logger,
		clock:             config.Clock,
		channels:          make([]*channel, config.MaxChannels),
		responseTimeout:   config.ResponseTimeout,
		reconnectInterval: config.ReconnectInterval,
	}
	mb.Client = Client{engine: mb, codec: config.Codec}
	mb.pool = make([]Transaction, config.PoolSize)
	for i := range mb.pool {
		mb.pool[i] = newTransaction(config.Codec, mb, i, config.PDUSize, tcpHeaderSize, 0)
	}
	return mb, nil
}

// AddChannel registers the connection serving config.UnitID.
func (mb *TCPClient) AddChannel(config ChannelConfig) error {
	if config.UnitID == 0 {
		return fmt.Errorf("%w: unit id 0", ErrInvalidConfig)
	}
	if config.Conn == nil {
		if config.Address == "" {
			return fmt.Errorf("%w: channel %d has neither address nor connection", ErrInvalidConfig, config.UnitID)
		}
		conn := NewNetConn(config.Address)
		conn.Logger = mb.Logger
		config.Conn = conn
	}
	if config.QueueSize == 0 {
		config.QueueSize = tcpDefaultQueueSize
	}
	if config.QueueSize < 0 {
		return fmt.Errorf("%w: queue size %d", ErrInvalidConfig, config.QueueSize)
	}
	if mb.channelFor(config.UnitID) != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateUnit, config.UnitID)
	}
	for i, ch := range mb.channels {
		if ch == nil {
			mb.channels[i] = newChannel(mb, config)
			return nil
		}
	}
	return ErrNoFreeChannel
}

// RemoveChannel closes the connection of unit and drops its transactions
// without calling their handlers.
func (mb *TCPClient) RemoveChannel(unit byte) error {
	for i, ch := range mb.channels {
		if ch != nil && ch.unit == unit {
			ch.clear()
			mb.channels[i] = nil
			return ch.conn.Close()
		}
	}
	return nil
}

// Close closes every connection.
func (mb *TCPClient) Close() (err error) {
	for _, ch := range mb.channels {
		if ch != nil {
			if e := ch.conn.Close(); e != nil && err == nil {
				err = e
			}
		}
	}
	return
}

// ResponseTimeout returns the default response timeout of new channels.
func (mb *TCPClient) ResponseTimeout() time.Duration {
	return mb.responseTimeout
}

// SetResponseTimeout changes the response timeout of every channel.
func (mb *TCPClient) SetResponseTimeout(d time.Duration) {
	mb.responseTimeout = d
	for _, ch := range mb.channels {
		if ch != nil {
			ch.responseTimeout = d
		}
	}
}

// SetReconnectInterval changes the reconnect interval of every channel.
func (mb *TCPClient) SetReconnectInterval(d time.Duration) {
	mb.reconnectInterval = d
	for _, ch := range mb.channels {
		if ch != nil {
			ch.reconnectInterval = d
		}
	}
}

// Pending returns the number of queued and in-flight transactions.
func (mb *TCPClient) Pending() int {
	n := 0
	for _, ch := range mb.channels {
		if ch != nil {
			n += ch.pending()
		}
	}
	return n
}

// Clear drops every queued and in-flight transaction without calling
// their handlers.
func (mb *TCPClient) Clear() {
	for _, ch := range mb.channels {
		if ch != nil {
			ch.clear()
		}
	}
}

// Poll advances every channel without blocking.
func (mb *TCPClient) Poll() {
	now := mb.clock.Now()
	for _, ch := range mb.channels {
		if ch != nil {
			ch.poll(now)
		}
	}
}

func (mb *TCPClient) channelFor(unit byte) *channel {
	for _, ch := range mb.channels {
		if ch != nil && ch.unit == unit {
			return ch
		}
	}
	return nil
}

func (mb *TCPClient) acquire() *Transaction {
	for i := range mb.pool {
		if !mb.pool[i].used {
			mb.pool[i].used = true
			return &mb.pool[i]
		}
	}
	return nil
}

func (mb *TCPClient) now() time.Duration {
	return mb.clock.Now()
}

// dispatch frames t for the active member of its slave set and queues it
// on the channel serving that unit.
func (mb *TCPClient) dispatch(t *Transaction) ErrorCode {
	unit := t.slaves.Active()
	ch := mb.channelFor(unit)
	if ch == nil {
		return CodeNoChannelForUnit
	}
	(*tcpFrame)(t).setMBAP(unit)
	t.rxLen = 0
	if !ch.queue.add(t) {
		return CodeQueueFull
	}
	return Success
}

// channel is one connection with its queue and in-flight requests.
type channel struct {
	unit              byte
	conn              Conn
	allAtOnce         bool
	keepAlive         bool
	responseTimeout   time.Duration
	reconnectInterval time.Duration
	logger            *slog.Logger

	queue *transactionQueue
	sent  *sentBuffer
	// current is the request whose response is being read, or the single
	// outstanding request when not in all-at-once mode.
	current  *Transaction
	incoming int

	attempted     bool
	lastReconnect time.Duration
	connected     bool
}

func newChannel(mb *TCPClient, config ChannelConfig) *channel {
	c := &channel{
		unit:              config.UnitID,
		conn:              config.Conn,
		allAtOnce:         config.AllAtOnce,
		keepAlive:         config.KeepAlive,
		responseTimeout:   config.ResponseTimeout,
		reconnectInterval: config.ReconnectInterval,
		logger:            mb.Logger,
		queue:             newTransactionQueue(config.QueueSize),
		sent:              newSentBuffer(config.QueueSize),
	}
	if c.responseTimeout == 0 {
		c.responseTimeout = mb.responseTimeout
	}
	if c.reconnectInterval == 0 {
		c.reconnectInterval = mb.reconnectInterval
	}
	return c
}

func (c *channel) pending() int {
	n := c.queue.len() + c.sent.count
	if c.current != nil {
		n++
	}
	return n
}

func (c *channel) poll(now time.Duration) {
	if !c.conn.Connected() {
		if c.connected {
			c.connected = false
			c.logf("modbus: connection reset", "unit", c.unit)
			c.dropInFlight(CodeConnResetByPeer)
		}
		if c.keepAlive || c.queue.hasReady(now) {
			c.reconnect(now)
		}
		return
	}
	c.connected = true
	c.send(now)
	c.receive()
	c.checkTimeouts(now)
}

// reconnect starts a connection attempt at most once per reconnect interval.
// Requests that are due fail when the previous attempt was refused.
func (c *channel) reconnect(now time.Duration) {
	if c.attempted && now-c.lastReconnect < c.reconnectInterval {
		return
	}
	c.attempted = true
	c.lastReconnect = now
	if err := c.conn.Connect(); err != nil {
		c.logf("modbus: connect failed", "unit", c.unit, "err", err)
		for n := c.queue.len(); n > 0; n-- {
			t := c.queue.readReady(now)
			if t == nil {
				break
			}
			t.fail(CodeConnRefused)
		}
	}
}

func (c *channel) send(now time.Duration) {
	if c.allAtOnce {
		for c.queue.hasReady(now) {
			t := c.queue.readReady(now)
			if !c.sent.hasFree() {
				t.fail(CodeSentBufferFull)
				return
			}
			c.write(t)
			c.sent.add(t, now)
		}
		return
	}
	if c.current == nil {
		if t := c.queue.readReady(now); t != nil {
			c.write(t)
			t.sentAt = now
			c.current = t
		}
	}
}

func (c *channel) write(t *Transaction) {
	f := (*tcpFrame)(t)
	frame := f.tx[:f.length()]
	c.logf("modbus: sending", "unit", c.unit, "frame", fmt.Sprintf("% x", frame))
	if _, err := c.conn.Write(frame); err != nil {
		c.logf("modbus: write failed", "unit", c.unit, "err", err)
	}
}

func (c *channel) receive() {
	if c.current == nil && c.sent.isEmpty() {
		if c.conn.Buffered() > 0 {
			c.discard()
		}
		return
	}
	if c.incoming == 0 {
		if c.conn.Buffered() < tcpHeaderSize {
			return
		}
		var mbap [tcpHeaderSize]byte
		if n, _ := c.conn.Read(mbap[:]); n < tcpHeaderSize {
			c.discard()
			return
		}
		if c.allAtOnce {
			tid := binary.BigEndian.Uint16(mbap[0:])
			c.current = c.sent.read(tid)
			if c.current == nil {
				c.logf("modbus: unexpected transaction id", "unit", c.unit, "tid", tid)
				c.discard()
				c.reset()
				return
			}
		}
		f := (*tcpFrame)(c.current)
		copy(f.rx, mbap[:])
		f.rxLen = tcpHeaderSize
		code := f.checkResponseMBAP()
		if code == Success {
			c.incoming, code = f.payloadLength()
		}
		if code != Success {
			c.discard()
			c.finish(code)
			return
		}
	}
	if c.conn.Buffered() < c.incoming {
		return
	}
	t := c.current
	n, _ := c.conn.Read(t.rx[tcpHeaderSize : tcpHeaderSize+c.incoming])
	t.rxLen = tcpHeaderSize + n
	c.logf("modbus: received", "unit", c.unit, "frame", fmt.Sprintf("% x", t.rx[:t.rxLen]))
	c.reset()
	t.invoke()
}

func (c *channel) checkTimeouts(now time.Duration) {
	if c.allAtOnce {
		for t := c.sent.readNextTimeout(now, c.responseTimeout); t != nil; t = c.sent.readNextTimeout(now, c.responseTimeout) {
			t.fail(CodeResponseTimeout)
		}
	}
	if c.current != nil && now-c.current.sentAt >= c.responseTimeout {
		c.discard()
		c.finish(CodeResponseTimeout)
	}
}

// finish fails the request being read and makes the channel ready for the next one.
func (c *channel) finish(code ErrorCode) {
	t := c.current
	c.reset()
	c.logf("modbus: transaction failed", "unit", c.unit, "function", t.function, "err", code)
	t.fail(code)
}

func (c *channel) dropInFlight(code ErrorCode) {
	if c.current != nil {
		c.finish(code)
	}
	for t := c.sent.readAny(); t != nil; t = c.sent.readAny() {
		t.fail(code)
	}
}

func (c *channel) reset() {
	c.current = nil
	c.incoming = 0
}

// discard drops every buffered byte.
func (c *channel) discard() {
	var scratch [tcpMaxLength]byte
	for c.conn.Buffered() > 0 {
		if n, err := c.conn.Read(scratch[:]); n == 0 || err != nil {
			return
		}
	}
}

func (c *channel) clear() {
	c.queue.clear()
	c.sent.clear()
	if c.current != nil {
		c.current.release()
	}
	c.reset()
}

func (c *channel) logf(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
