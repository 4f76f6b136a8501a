// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
)

const (
	rtuHeaderSize    = 1
	rtuTrailerSize   = 2
	rtuMinSize       = 4
	rtuMaxSize       = 256
	rtuExceptionSize = 5
)

// rtuFrame is the serial line view of a transaction:
//
//	Slave address : 1 byte
//	PDU           : N bytes
//	CRC           : 2 bytes (low byte first)
type rtuFrame Transaction

func (f *rtuFrame) transaction() *Transaction {
	return (*Transaction)(f)
}

// setHead addresses the request and the expected response to slave.
func (f *rtuFrame) setHead(slave byte) {
	f.tx[0] = slave
	f.head[0] = slave
}

// setCRC appends the checksum of address and pdu.
func (f *rtuFrame) setCRC() {
	n := rtuHeaderSize + f.txLen
	binary.LittleEndian.PutUint16(f.tx[n:], crc16(f.tx[:n]))
}

// length is the number of bytes to transmit.
func (f *rtuFrame) length() int {
	return rtuHeaderSize + f.txLen + rtuTrailerSize
}

// responseLength is the size of a complete normal response.
func (f *rtuFrame) responseLength() int {
	return rtuHeaderSize + f.respLen + rtuTrailerSize
}

// checkResponseHead compares the echoed slave address.
func (f *rtuFrame) checkResponseHead() ErrorCode {
	if f.rxLen < 1 || f.rx[0] != f.head[0] {
		return CodeInvalidSlave
	}
	return Success
}

// isException reports whether the received function code has the exception flag.
func (f *rtuFrame) isException() bool {
	return f.rxLen >= 2 && f.rx[1] == f.head[1]+exceptionFlag
}

// checkResponseCRC verifies the trailing checksum over the received bytes.
func (f *rtuFrame) checkResponseCRC() ErrorCode {
	if f.rxLen < rtuMinSize {
		return CodeCRC
	}
	n := f.rxLen - rtuTrailerSize
	if binary.LittleEndian.Uint16(f.rx[n:]) != crc16(f.rx[:n]) {
		return CodeCRC
	}
	return Success
}
