// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"unsafe"
)

// Codec holds the state shared by the transactions of one engine: the host
// byte order used to lay out decoded register elements and the MBAP
// transaction id counter.
type Codec struct {
	order         binary.ByteOrder
	transactionID uint16
}

// NewCodec returns a Codec using the byte order of the running host.
func NewCodec() *Codec {
	return &Codec{order: hostByteOrder()}
}

// ByteOrder returns the order used for decoded register elements.
func (c *Codec) ByteOrder() binary.ByteOrder {
	return c.order
}

// SetByteOrder overrides the detected host order.
func (c *Codec) SetByteOrder(order binary.ByteOrder) {
	c.order = order
}

func (c *Codec) bigEndian() bool {
	return c.order == binary.ByteOrder(binary.BigEndian)
}

// nextTransactionID wraps at 16 bits; no check is made against ids still in flight.
func (c *Codec) nextTransactionID() uint16 {
	c.transactionID++
	return c.transactionID
}

func hostByteOrder() binary.ByteOrder {
	var probe uint16 = 0x0102
	if *(*byte)(unsafe.Pointer(&probe)) == 0x01 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
