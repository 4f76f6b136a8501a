// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Target selects the unit or units a request is sent to. It is either a
// Unit or a SlaveSet.
type Target interface {
	slaves() SlaveSet
}

// Unit addresses a single unit id. Unit 0 broadcasts write requests on a
// serial line.
type Unit byte

func (u Unit) slaves() SlaveSet {
	return NewSlaveSet(byte(u))
}

// engine is the transaction pool and scheduler behind a Client.
type engine interface {
	dispatcher
	acquire() *Transaction
}

// Client builds requests into pooled transactions and hands them to its
// engine. It is embedded by RTUMaster and TCPClient.
type Client struct {
	engine engine
	codec  *Codec
}

// Codec returns the codec shared by the transactions of the client.
func (mb *Client) Codec() *Codec {
	return mb.codec
}

// submit allocates a transaction, builds it and queues it for the first
// member of target. Failures are reported to handler before returning.
func (mb *Client) submit(target Target, fc byte, handler Handler, build func(t *Transaction) ErrorCode) ErrorCode {
	t := mb.engine.acquire()
	if t == nil {
		scratch := Transaction{codec: mb.codec, function: fc, code: CodeNoFreeTransaction}
		if handler != nil {
			handler(&scratch)
		}
		return CodeNoFreeTransaction
	}
	t.handler = handler
	t.slaves = target.slaves()
	slave := t.slaves.Next()
	if slave > MaxSlaveID || (slave == 0 && !isWriteFunction(fc)) {
		t.function = fc
		return t.abandon(CodeInvalidSlave)
	}
	if code := build(t); code != Success {
		return t.abandon(code)
	}
	t.queuedAt = mb.engine.now()
	t.delay = 0
	if code := mb.engine.dispatch(t); code != Success {
		return t.abandon(code)
	}
	return Success
}

// abandon reports code for a transaction that was never sent and releases it.
func (t *Transaction) abandon(code ErrorCode) ErrorCode {
	t.code = code
	if t.handler != nil {
		t.handler(t)
	}
	t.release()
	return code
}

// ReadCoils reads from 1 to 2000 contiguous status of coils in a
// remote device. The handler reads them with Bit.
func (mb *Client) ReadCoils(target Target, address, quantity uint16, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadCoils, handler, func(t *Transaction) ErrorCode {
		return t.readBits(FuncCodeReadCoils, address, quantity)
	})
}

// ReadDiscreteInputs reads from 1 to 2000 contiguous status of
// discrete inputs in a remote device.
func (mb *Client) ReadDiscreteInputs(target Target, address, quantity uint16, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadDiscreteInputs, handler, func(t *Transaction) ErrorCode {
		return t.readBits(FuncCodeReadDiscreteInputs, address, quantity)
	})
}

// ReadHoldingRegisters reads the contents of a contiguous block of
// holding registers. The handler reads them with Uint16.
func (mb *Client) ReadHoldingRegisters(target Target, address, quantity uint16, handler Handler) ErrorCode {
	return mb.ReadHoldingRegistersAs(target, address, int(quantity), 2, handler)
}

// ReadHoldingRegistersAs reads count elements of elemSize bytes each,
// every element spanning elemSize/2 registers rounded up.
func (mb *Client) ReadHoldingRegistersAs(target Target, address uint16, count, elemSize int, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadHoldingRegisters, handler, func(t *Transaction) ErrorCode {
		return t.readRegisters(FuncCodeReadHoldingRegisters, address, count, elemSize)
	})
}

// ReadInputRegisters reads from 1 to 125 contiguous input registers.
func (mb *Client) ReadInputRegisters(target Target, address, quantity uint16, handler Handler) ErrorCode {
	return mb.ReadInputRegistersAs(target, address, int(quantity), 2, handler)
}

// ReadInputRegistersAs reads count input register elements of elemSize bytes.
func (mb *Client) ReadInputRegistersAs(target Target, address uint16, count, elemSize int, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadInputRegisters, handler, func(t *Transaction) ErrorCode {
		return t.readRegisters(FuncCodeReadInputRegisters, address, count, elemSize)
	})
}

// WriteSingleCoil writes a single output to either ON or OFF.
func (mb *Client) WriteSingleCoil(target Target, address uint16, value bool, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteSingleCoil, handler, func(t *Transaction) ErrorCode {
		return t.writeSingleCoil(address, value)
	})
}

// WriteSingleRegister writes a single holding register.
func (mb *Client) WriteSingleRegister(target Target, address, value uint16, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteSingleRegister, handler, func(t *Transaction) ErrorCode {
		return t.writeSingleRegister(address, value)
	})
}

// WriteMultipleCoils forces each coil in a sequence of coils to ON or OFF.
func (mb *Client) WriteMultipleCoils(target Target, address uint16, values []bool, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteMultipleCoils, handler, func(t *Transaction) ErrorCode {
		return t.writeMultipleCoils(address, values)
	})
}

// WriteMultipleCoilsBytes writes quantity coils packed least significant
// bit first in data.
func (mb *Client) WriteMultipleCoilsBytes(target Target, address, quantity uint16, data []byte, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteMultipleCoils, handler, func(t *Transaction) ErrorCode {
		return t.writeMultipleCoilBytes(address, data, quantity)
	})
}

// WriteMultipleRegisters writes a block of contiguous registers.
func (mb *Client) WriteMultipleRegisters(target Target, address uint16, values []uint16, handler Handler) ErrorCode {
	return WriteRegistersOf(mb, target, address, values, handler)
}

// WriteMultipleRegistersBytes writes count elements of elemSize bytes laid
// out in the codec byte order in data.
func (mb *Client) WriteMultipleRegistersBytes(target Target, address uint16, data []byte, count, elemSize int, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteMultipleRegisters, handler, func(t *Transaction) ErrorCode {
		return t.writeMultipleRegisters(address, data, count, elemSize)
	})
}

// MaskWriteRegister modifies the contents of a holding register using a
// combination of an AND mask and an OR mask.
func (mb *Client) MaskWriteRegister(target Target, address, andMask, orMask uint16, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeMaskWriteRegister, handler, func(t *Transaction) ErrorCode {
		return t.maskWriteRegister(address, andMask, orMask)
	})
}

// ReadWriteMultipleRegisters performs a write of values followed by a read
// of readQuantity registers in one transaction.
func (mb *Client) ReadWriteMultipleRegisters(target Target, readAddress, readQuantity, writeAddress uint16, values []uint16, handler Handler) ErrorCode {
	return ReadWriteRegistersOf[uint16](mb, target, readAddress, int(readQuantity), writeAddress, values, handler)
}

// ReadExceptionStatus reads the eight exception status outputs of a
// serial line device.
func (mb *Client) ReadExceptionStatus(target Target, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadExceptionStatus, handler, func(t *Transaction) ErrorCode {
		return t.readExceptionStatus()
	})
}

// Diagnostics sends a serial line diagnostics request. The handler reads
// the returned data word with Data.
func (mb *Client) Diagnostics(target Target, subFunction, data uint16, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeDiagnostics, handler, func(t *Transaction) ErrorCode {
		return t.diagnostics(subFunction, data)
	})
}

// WriteRegistersOf writes values of any register element type. Wider
// elements span several registers.
func WriteRegistersOf[T Element](mb *Client, target Target, address uint16, values []T, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeWriteMultipleRegisters, handler, func(t *Transaction) ErrorCode {
		var scratch [MaxPDUSize]byte
		size := elementSize[T]()
		if len(values)*size > len(scratch) {
			return CodeTooManyData
		}
		putElements(mb.codec, scratch[:], values)
		return t.writeMultipleRegisters(address, scratch[:], len(values), size)
	})
}

// ReadWriteRegistersOf writes values of element type W and reads back
// readCount elements of type R.
func ReadWriteRegistersOf[R, W Element](mb *Client, target Target, readAddress uint16, readCount int,
	writeAddress uint16, values []W, handler Handler) ErrorCode {
	return mb.submit(target, FuncCodeReadWriteMultipleRegisters, handler, func(t *Transaction) ErrorCode {
		var scratch [MaxPDUSize]byte
		size := elementSize[W]()
		if len(values)*size > len(scratch) {
			return CodeTooManyData
		}
		putElements(mb.codec, scratch[:], values)
		return t.readWriteMultipleRegisters(readAddress, readCount, elementSize[R](),
			writeAddress, scratch[:], len(values), size)
	})
}
