// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakeConn is a Conn over a fakeStream whose connection state is set by the test.
type fakeConn struct {
	fakeStream
	connected  bool
	connectErr error
	connects   int
	closed     int
}

func (c *fakeConn) Connected() bool {
	return c.connected
}

func (c *fakeConn) Connect() error {
	c.connects++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeConn) Close() error {
	c.closed++
	c.connected = false
	return nil
}

func newTestTCPClient(t *testing.T, channels ...ChannelConfig) (*TCPClient, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.Second}
	mb, err := NewTCPClient(TCPConfig{Clock: clock, PoolSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range channels {
		if err := mb.AddChannel(ch); err != nil {
			t.Fatal(err)
		}
	}
	return mb, clock
}

// mbap returns a response frame for transaction id tid and unit.
func mbap(tid uint16, unit byte, pdu ...byte) []byte {
	n := len(pdu) + 1
	return append([]byte{byte(tid >> 8), byte(tid), 0, 0, byte(n >> 8), byte(n), unit}, pdu...)
}

func TestTCPClientAddChannel(t *testing.T) {
	mb, err := NewTCPClient(TCPConfig{MaxChannels: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 0, Conn: &fakeConn{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unit 0: err = %v", err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("no address: err = %v", err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 1, Conn: &fakeConn{}}); err != nil {
		t.Fatal(err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 1, Conn: &fakeConn{}}); !errors.Is(err, ErrDuplicateUnit) {
		t.Errorf("duplicate: err = %v", err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 2, Address: "127.0.0.1:502"}); err != nil {
		t.Fatal(err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 3, Conn: &fakeConn{}}); !errors.Is(err, ErrNoFreeChannel) {
		t.Errorf("full: err = %v", err)
	}
	if err := mb.RemoveChannel(1); err != nil {
		t.Fatal(err)
	}
	if err := mb.AddChannel(ChannelConfig{UnitID: 3, Conn: &fakeConn{}}); err != nil {
		t.Errorf("slot not freed: %v", err)
	}
}

func TestNewTCPClientConfig(t *testing.T) {
	for _, config := range []TCPConfig{
		{PDUSize: MinPDUSize - 1},
		{PDUSize: MaxPDUSize + 1},
		{PoolSize: -1},
		{MaxChannels: -1},
	} {
		if _, err := NewTCPClient(config); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewTCPClient(%+v) err = %v", config, err)
		}
	}
}

func TestTCPNoChannelForUnit(t *testing.T) {
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: &fakeConn{connected: true}})
	var code ErrorCode
	if got := mb.ReadCoils(Unit(9), 0, 1, func(tr *Transaction) { code = tr.Code() }); got != CodeNoChannelForUnit {
		t.Fatalf("ReadCoils() = %v, want %v", got, CodeNoChannelForUnit)
	}
	if code != CodeNoChannelForUnit {
		t.Errorf("handler code = %v", code)
	}
}

func TestTCPSingleMode(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn})
	var values [][]uint16
	h := func(tr *Transaction) {
		if tr.Code() != Success {
			t.Errorf("code = %v", tr.Code())
			return
		}
		var v []uint16
		for i := 0; i < tr.Count(); i++ {
			v = append(v, tr.Uint16(i))
		}
		values = append(values, v)
	}
	mb.ReadHoldingRegisters(Unit(1), 0, 2, h)
	mb.ReadHoldingRegisters(Unit(1), 10, 1, h)
	mb.Poll()
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x02}
	if got := conn.sent(); !bytes.Equal(got, want) {
		t.Fatalf("sent % x, want % x", got, want)
	}
	mb.Poll()
	if got := conn.sent(); len(got) != 0 {
		t.Fatalf("second request sent before the first response")
	}

	resp := mbap(1, 1, 0x03, 0x04, 0x00, 0x01, 0x00, 0x02)
	// A response split across polls is reassembled.
	conn.feed(resp[:5]...)
	mb.Poll()
	conn.feed(resp[5:9]...)
	mb.Poll()
	conn.feed(resp[9:]...)
	mb.Poll()
	if len(values) != 1 || len(values[0]) != 2 || values[0][0] != 1 || values[0][1] != 2 {
		t.Fatalf("values = %v", values)
	}

	mb.Poll()
	if got := conn.sent(); len(got) != 12 || got[1] != 2 {
		t.Fatalf("second request = % x", got)
	}
	conn.feed(mbap(2, 1, 0x03, 0x02, 0xAB, 0xCD)...)
	mb.Poll()
	if len(values) != 2 || values[1][0] != 0xABCD {
		t.Errorf("values = %v", values)
	}
	if mb.Pending() != 0 {
		t.Errorf("pending = %d", mb.Pending())
	}
}

func TestTCPSingleModeTimeout(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, clock := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn, ResponseTimeout: 500 * time.Millisecond})
	var codes []ErrorCode
	h := func(tr *Transaction) { codes = append(codes, tr.Code()) }
	mb.ReadCoils(Unit(1), 0, 8, h)
	mb.ReadCoils(Unit(1), 8, 8, h)
	mb.Poll()
	conn.sent()

	clock.advance(499 * time.Millisecond)
	mb.Poll()
	if len(codes) != 0 {
		t.Fatalf("timed out early")
	}
	// A late partial header is discarded with the timed out request.
	conn.feed(0x00, 0x01)
	clock.advance(time.Millisecond)
	mb.Poll()
	if len(codes) != 1 || codes[0] != CodeResponseTimeout {
		t.Fatalf("codes = %v", codes)
	}
	if conn.Buffered() != 0 {
		t.Errorf("stale bytes kept after timeout")
	}
	mb.Poll()
	if got := conn.sent(); len(got) != 12 || got[1] != 2 {
		t.Errorf("next request = % x", got)
	}
}

func TestTCPAllAtOnce(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 5, Conn: conn, AllAtOnce: true})
	got := map[uint16]uint16{}
	for addr := uint16(0); addr < 3; addr++ {
		a := addr
		mb.ReadHoldingRegisters(Unit(5), a, 1, func(tr *Transaction) {
			if tr.Code() != Success {
				t.Errorf("request %d: code = %v", a, tr.Code())
				return
			}
			got[a] = tr.Uint16(0)
		})
	}
	mb.Poll()
	if sent := conn.sent(); len(sent) != 36 {
		t.Fatalf("sent %d bytes, want three requests", len(sent))
	}

	conn.feed(mbap(3, 5, 0x03, 0x02, 0x00, 0x03)...)
	conn.feed(mbap(99, 5, 0x03, 0x02, 0xFF, 0xFF)...)
	mb.Poll()
	if got[2] != 3 {
		t.Fatalf("response for tid 3 not delivered: %v", got)
	}
	mb.Poll()
	if len(got) != 1 || mb.Pending() != 2 {
		t.Fatalf("unknown transaction id handled: %v, pending %d", got, mb.Pending())
	}

	conn.feed(mbap(1, 5, 0x03, 0x02, 0x00, 0x01)...)
	mb.Poll()
	conn.feed(mbap(2, 5, 0x03, 0x02, 0x00, 0x02)...)
	mb.Poll()
	if got[0] != 1 || got[1] != 2 || mb.Pending() != 0 {
		t.Errorf("got = %v, pending = %d", got, mb.Pending())
	}
}

func TestTCPAllAtOnceTimeout(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, clock := newTestTCPClient(t, ChannelConfig{UnitID: 5, Conn: conn, AllAtOnce: true})
	var codes []ErrorCode
	h := func(tr *Transaction) { codes = append(codes, tr.Code()) }
	mb.ReadCoils(Unit(5), 0, 1, h)
	mb.Poll()
	clock.advance(time.Second)
	mb.ReadCoils(Unit(5), 0, 1, h)
	mb.Poll()
	clock.advance(tcpResponseTimeout - time.Second)
	mb.Poll()
	if len(codes) != 1 || codes[0] != CodeResponseTimeout {
		t.Fatalf("codes = %v", codes)
	}
	clock.advance(time.Second)
	mb.Poll()
	if len(codes) != 2 || mb.Pending() != 0 {
		t.Errorf("codes = %v, pending = %d", codes, mb.Pending())
	}
}

func TestTCPSentBufferFull(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 5, Conn: conn, AllAtOnce: true, QueueSize: 1})
	mb.ReadCoils(Unit(5), 0, 1, nil)
	mb.Poll()
	var code ErrorCode
	if got := mb.ReadCoils(Unit(5), 0, 1, func(tr *Transaction) { code = tr.Code() }); got != Success {
		t.Fatalf("ReadCoils() = %v", got)
	}
	mb.Poll()
	if code != CodeSentBufferFull {
		t.Errorf("code = %v, want %v", code, CodeSentBufferFull)
	}
}

func TestTCPResponseErrors(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
		want     ErrorCode
	}{
		{"exception", mbap(1, 1, 0x81, 0x02), ExceptionIllegalDataAddress},
		{"transaction id", mbap(7, 1, 0x01, 0x01, 0x00), CodeInvalidMBAPTransactionID},
		{"unit id", mbap(1, 2, 0x01, 0x01, 0x00), CodeInvalidMBAPUnitID},
		{"protocol id", []byte{0x00, 0x01, 0x00, 0x05, 0x00, 0x04, 0x01, 0x01, 0x01, 0x00}, CodeInvalidMBAPProtocolID},
		{"length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}, CodeInvalidMBAPLength},
		{"function", mbap(1, 1, 0x02, 0x01, 0x00), CodeInvalidFunction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{connected: true}
			mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn})
			calls := 0
			var code ErrorCode
			mb.ReadCoils(Unit(1), 0, 1, func(tr *Transaction) {
				calls++
				code = tr.Code()
			})
			mb.Poll()
			conn.feed(tt.response...)
			mb.Poll()
			if calls != 1 || code != tt.want {
				t.Errorf("calls = %d, code = %v, want %v", calls, code, tt.want)
			}
			if mb.Pending() != 0 {
				t.Errorf("pending = %d", mb.Pending())
			}
		})
	}
}

func TestTCPConnectRefused(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("connection refused")}
	mb, clock := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn})
	mb.Poll()
	if conn.connects != 0 {
		t.Fatalf("idle channel connected without keep alive")
	}
	var code ErrorCode
	mb.ReadCoils(Unit(1), 0, 1, func(tr *Transaction) { code = tr.Code() })
	mb.Poll()
	if conn.connects != 1 || code != CodeConnRefused {
		t.Fatalf("connects = %d, code = %v", conn.connects, code)
	}

	mb.ReadCoils(Unit(1), 0, 1, nil)
	mb.Poll()
	if conn.connects != 1 {
		t.Errorf("reconnected before the interval")
	}
	clock.advance(tcpReconnectInterval)
	mb.Poll()
	if conn.connects != 2 {
		t.Errorf("connects = %d, want 2", conn.connects)
	}
}

func TestTCPConnectThenSend(t *testing.T) {
	conn := &fakeConn{}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn})
	mb.WriteSingleCoil(Unit(1), 3, true, nil)
	mb.Poll()
	if !conn.connected || len(conn.out.Bytes()) != 0 {
		t.Fatalf("connected = %v, sent % x", conn.connected, conn.out.Bytes())
	}
	mb.Poll()
	if got := conn.sent(); len(got) != 12 {
		t.Errorf("request not sent after connecting: % x", got)
	}
}

func TestTCPKeepAlive(t *testing.T) {
	conn := &fakeConn{}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn, KeepAlive: true})
	mb.Poll()
	if conn.connects != 1 || !conn.connected {
		t.Errorf("keep alive channel not connected while idle")
	}
}

func TestTCPConnectionReset(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn, AllAtOnce: true})
	var codes []ErrorCode
	h := func(tr *Transaction) { codes = append(codes, tr.Code()) }
	mb.ReadCoils(Unit(1), 0, 1, h)
	mb.ReadCoils(Unit(1), 1, 1, h)
	mb.Poll()
	conn.connected = false
	mb.Poll()
	if len(codes) != 2 || codes[0] != CodeConnResetByPeer || codes[1] != CodeConnResetByPeer {
		t.Errorf("codes = %v", codes)
	}
	if conn.connects != 0 {
		t.Errorf("idle channel reconnected")
	}
}

func TestTCPSlaveSetAcrossChannels(t *testing.T) {
	a := &fakeConn{connected: true}
	b := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t,
		ChannelConfig{UnitID: 1, Conn: a},
		ChannelConfig{UnitID: 2, Conn: b},
	)
	var units []byte
	mb.ReadInputRegisters(NewSlaveSet(1, 2), 0, 1, func(tr *Transaction) {
		if tr.Code() == Success {
			units = append(units, tr.Slave())
		}
	})
	mb.Poll()
	req := a.sent()
	if len(req) != 12 || req[6] != 1 {
		t.Fatalf("request on unit 1 = % x", req)
	}
	a.feed(mbap(1, 1, 0x04, 0x02, 0x00, 0x00)...)
	mb.Poll()
	mb.Poll()
	req = b.sent()
	if len(req) != 12 || req[6] != 2 || req[1] != 2 {
		t.Fatalf("request on unit 2 = % x", req)
	}
	b.feed(mbap(2, 2, 0x04, 0x02, 0x00, 0x00)...)
	mb.Poll()
	if !bytes.Equal(units, []byte{1, 2}) {
		t.Errorf("units = %v", units)
	}
}

func TestTCPClear(t *testing.T) {
	conn := &fakeConn{connected: true}
	mb, _ := newTestTCPClient(t, ChannelConfig{UnitID: 1, Conn: conn})
	calls := 0
	h := func(*Transaction) { calls++ }
	mb.ReadCoils(Unit(1), 0, 1, h)
	mb.ReadCoils(Unit(1), 0, 1, h)
	mb.Poll()
	mb.Clear()
	if calls != 0 || mb.Pending() != 0 {
		t.Fatalf("calls = %d, pending = %d", calls, mb.Pending())
	}
	for i := 0; i < 4; i++ {
		if code := mb.ReadCoils(Unit(1), 0, 1, nil); code != Success && code != CodeQueueFull {
			t.Fatalf("pool not released: %v", code)
		}
	}
	if err := mb.Close(); err != nil || conn.closed != 1 {
		t.Errorf("Close() = %v, closed = %d", err, conn.closed)
	}
}
