// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestHostByteOrder(t *testing.T) {
	var probe [2]byte
	hostByteOrder().PutUint16(probe[:], 0x0102)
	c := NewCodec()
	var got [2]byte
	c.ByteOrder().PutUint16(got[:], 0x0102)
	if probe != got {
		t.Errorf("NewCodec() order does not match the host")
	}
}

func TestEncodeRegisters(t *testing.T) {
	tests := []struct {
		name     string
		order    binary.ByteOrder
		src      []byte
		count    int
		elemSize int
		want     []byte
	}{
		{
			name:     "16-bit big endian",
			order:    binary.BigEndian,
			src:      []byte{0x12, 0x34, 0x56, 0x78},
			count:    2,
			elemSize: 2,
			want:     []byte{0x12, 0x34, 0x56, 0x78},
		},
		{
			name:     "16-bit little endian",
			order:    binary.LittleEndian,
			src:      []byte{0x34, 0x12, 0x78, 0x56},
			count:    2,
			elemSize: 2,
			want:     []byte{0x12, 0x34, 0x56, 0x78},
		},
		{
			name:     "odd size big endian is padded",
			order:    binary.BigEndian,
			src:      []byte{0x01, 0x02, 0x03},
			count:    1,
			elemSize: 3,
			want:     []byte{0x01, 0x02, 0x03, 0x00},
		},
		{
			name:     "odd size little endian is padded",
			order:    binary.LittleEndian,
			src:      []byte{0x01, 0x02, 0x03},
			count:    1,
			elemSize: 3,
			want:     []byte{0x02, 0x01, 0x00, 0x03},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCodec()
			c.SetByteOrder(tt.order)
			dst := make([]byte, len(tt.want))
			if !c.encodeRegisters(dst, tt.src, tt.count, tt.elemSize) {
				t.Fatalf("encodeRegisters() failed")
			}
			if !bytes.Equal(dst, tt.want) {
				t.Fatalf("encodeRegisters() = % x, want % x", dst, tt.want)
			}
			if !c.decodeRegisters(dst, tt.count, tt.elemSize, len(dst)) {
				t.Fatalf("decodeRegisters() failed")
			}
			if got := dst[:tt.count*tt.elemSize]; !bytes.Equal(got, tt.src) {
				t.Errorf("decodeRegisters() = % x, want % x", got, tt.src)
			}
		})
	}
}

func TestEncodeRegistersBounds(t *testing.T) {
	c := NewCodec()
	dst := make([]byte, 4)
	if c.encodeRegisters(dst, make([]byte, 6), 3, 2) {
		t.Errorf("encodeRegisters() wrote past dst")
	}
	if c.encodeRegisters(dst, make([]byte, 2), 2, 2) {
		t.Errorf("encodeRegisters() read past src")
	}
	if c.encodeRegisters(dst, dst, 1, 0) || c.encodeRegisters(dst, dst, 1, maxElementSize+1) {
		t.Errorf("encodeRegisters() accepted an invalid element size")
	}
	if c.decodeRegisters(dst, 3, 2, len(dst)) || c.decodeRegisters(dst, 2, 2, 3) {
		t.Errorf("decodeRegisters() exceeded its limit")
	}
}

func TestPutElements(t *testing.T) {
	c := NewCodec()
	c.SetByteOrder(binary.BigEndian)
	dst := make([]byte, 16)
	if size := putElements(c, dst, []float64{1, -2}); size != 8 {
		t.Fatalf("size = %d, want 8", size)
	}
	want := []byte{0x3F, 0xF0, 0, 0, 0, 0, 0, 0, 0xC0, 0x00, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(dst, want) {
		t.Errorf("putElements() = % x, want % x", dst, want)
	}
	putElements(c, dst, []int16{-1})
	if dst[0] != 0xFF || dst[1] != 0xFF {
		t.Errorf("putElements(int16) = % x", dst[:2])
	}
	if elementSize[int32]() != 4 || elementSize[uint64]() != 8 {
		t.Errorf("elementSize() mismatch")
	}
}

func TestTransactionIDWraps(t *testing.T) {
	c := NewCodec()
	c.transactionID = 0xFFFF
	if id := c.nextTransactionID(); id != 0 {
		t.Errorf("nextTransactionID() = %d, want 0", id)
	}
	if id := c.nextTransactionID(); id != 1 {
		t.Errorf("nextTransactionID() = %d, want 1", id)
	}
}
