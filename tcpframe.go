// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000

	// Modbus Application Protocol
	tcpHeaderSize = 7
	tcpMaxLength  = 260
)

// tcpFrame is the TCP view of a transaction:
//
//	Transaction identifier: 2 bytes
//	Protocol identifier: 2 bytes
//	Length: 2 bytes
//	Unit identifier: 1 byte
//	PDU: N bytes
type tcpFrame Transaction

func (f *tcpFrame) transaction() *Transaction {
	return (*Transaction)(f)
}

// setMBAP writes the header for slave with the next transaction id of the
// codec into both the request and the expected response.
func (f *tcpFrame) setMBAP(slave byte) {
	id := f.codec.nextTransactionID()
	for _, b := range [][]byte{f.tx, f.head} {
		binary.BigEndian.PutUint16(b[0:], id)
		binary.BigEndian.PutUint16(b[2:], tcpProtocolIdentifier)
		binary.BigEndian.PutUint16(b[4:], uint16(f.txLen+1))
		b[6] = slave
	}
}

// transactionID returns the id of the request.
func (f *tcpFrame) transactionID() uint16 {
	return binary.BigEndian.Uint16(f.tx[0:])
}

// length is the number of bytes to transmit.
func (f *tcpFrame) length() int {
	return tcpHeaderSize + f.txLen
}

// checkResponseMBAP validates the received header against the request.
func (f *tcpFrame) checkResponseMBAP() ErrorCode {
	if f.rxLen < tcpHeaderSize {
		return CodeInvalidMBAPHeader
	}
	if binary.BigEndian.Uint16(f.rx[0:]) != binary.BigEndian.Uint16(f.head[0:]) {
		return CodeInvalidMBAPTransactionID
	}
	if binary.BigEndian.Uint16(f.rx[2:]) != tcpProtocolIdentifier {
		return CodeInvalidMBAPProtocolID
	}
	if f.rx[6] != f.head[6] {
		return CodeInvalidMBAPUnitID
	}
	return Success
}

// payloadLength returns the pdu length announced by the received header.
func (f *tcpFrame) payloadLength() (int, ErrorCode) {
	n := int(binary.BigEndian.Uint16(f.rx[4:])) - 1
	if n < 1 || n > f.pduSize {
		return 0, CodeInvalidMBAPLength
	}
	return n, Success
}
