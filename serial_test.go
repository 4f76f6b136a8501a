package modbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestParseUartMode(t *testing.T) {
	tests := []struct {
		in      string
		want    UartMode
		bits    int
		wantErr bool
	}{
		{in: "8N1", want: Mode8N1, bits: 10},
		{in: "8e1", want: Mode8E1, bits: 11},
		{in: "8O1", want: Mode8O1, bits: 11},
		{in: "8N2", want: Mode8N2, bits: 11},
		{in: "8E2", want: Mode8E2, bits: 12},
		{in: "7E1", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUartMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("err = %v, want %v", err, ErrInvalidConfig)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("ParseUartMode(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.characterBits() != tt.bits {
				t.Errorf("characterBits() = %d, want %d", got.characterBits(), tt.bits)
			}
		})
	}
}

func TestSerialPortNotConnected(t *testing.T) {
	port := NewSerialPort(SerialConfig{Address: "/dev/null-modbus"})
	if port.Mode != Mode8N1 {
		t.Errorf("default mode = %v, want 8N1", port.Mode)
	}
	if port.Buffered() != 0 {
		t.Errorf("Buffered() = %d on a closed port", port.Buffered())
	}
	if _, err := port.Write([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() err = %v", err)
	}
	if _, err := port.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() err = %v", err)
	}
	// Direction control is a no-op without an open port.
	port.RTSDirection = true
	port.BeginTransmission()
	port.EndTransmission()
	if err := port.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPump(t *testing.T) {
	p := startPump(bytes.NewReader([]byte{1, 2, 3, 4, 5}), 16, nil)
	p.wait()
	if p.buffered() != 5 {
		t.Fatalf("buffered() = %d, want 5", p.buffered())
	}
	b := make([]byte, 3)
	if n := p.read(b); n != 3 || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("read() = %d % x", n, b)
	}
	if n := p.read(b); n != 2 || !bytes.Equal(b[:2], []byte{4, 5}) {
		t.Errorf("read() = %d % x", n, b[:2])
	}
	if !errors.Is(p.failed(), io.EOF) {
		t.Errorf("failed() = %v, want EOF", p.failed())
	}
}

func TestPumpOverflow(t *testing.T) {
	p := startPump(bytes.NewReader(make([]byte, 10)), 4, nil)
	p.wait()
	if p.buffered() != 4 {
		t.Errorf("buffered() = %d, want 4", p.buffered())
	}
}

func TestPumpStream(t *testing.T) {
	r, w := io.Pipe()
	p := startPump(r, 64, nil)
	go w.Write([]byte{0x01, 0x03})
	waitFor(t, func() bool { return p.buffered() == 2 })
	if p.failed() != nil {
		t.Errorf("failed() = %v on an open stream", p.failed())
	}
	w.CloseWithError(io.ErrClosedPipe)
	p.wait()
	if !errors.Is(p.failed(), io.ErrClosedPipe) {
		t.Errorf("failed() = %v", p.failed())
	}
}
