// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package modbus provides an asynchronous MODBUS master for RTU (serial) and
TCP. Requests are queued into fixed pools and advanced by calling Poll
periodically; results are delivered to a completion handler.
*/
package modbus

import (
	"errors"
	"fmt"
)

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 0x01
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 0x02
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 0x03
	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 0x04
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 0x05
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 0x06
	// FuncCodeReadExceptionStatus serial line only
	FuncCodeReadExceptionStatus = 0x07
	// FuncCodeDiagnostics serial line only
	FuncCodeDiagnostics = 0x08
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 0x0F
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 0x10
	// FuncCodeMaskWriteRegister 16-bit wise access
	FuncCodeMaskWriteRegister = 0x16
	// FuncCodeReadWriteMultipleRegisters 16-bit wise access
	FuncCodeReadWriteMultipleRegisters = 0x17
)

const (
	// MaxSlaveID is the highest addressable unit on a serial line.
	MaxSlaveID = 247

	// MinPDUSize and MaxPDUSize bound the configurable payload buffer.
	MinPDUSize = 8
	MaxPDUSize = 253

	maxReadBits          = 2000
	maxWriteBits         = 1968
	maxWriteBitBytes     = 246
	maxReadRegisters     = 125
	maxWriteRegisters    = 123
	maxRWWriteRegisters  = 121
	maxResponseHeaderLen = 7
	maxElementSize       = 32
	exceptionFlag        = 0x80
)

// ErrorCode is the result of a transaction. Values 1 to 11 are exception
// codes returned by the remote device; values from 12 are raised locally.
type ErrorCode uint8

const (
	Success ErrorCode = 0

	ExceptionIllegalFunction         ErrorCode = 1
	ExceptionIllegalDataAddress      ErrorCode = 2
	ExceptionIllegalDataValue        ErrorCode = 3
	ExceptionServerDeviceFailure     ErrorCode = 4
	ExceptionAcknowledge             ErrorCode = 5
	ExceptionServerDeviceBusy        ErrorCode = 6
	ExceptionNegativeAcknowledge     ErrorCode = 7
	ExceptionMemoryParityError       ErrorCode = 8
	// Gateway exceptions use the wire values 0x0A and 0x0B. Code 9 is
	// unassigned and decodes as CodeInvalidExceptionCode.
	ExceptionGatewayPathUnavailable  ErrorCode = 10
	ExceptionGatewayTargetNoResponse ErrorCode = 11
	CodeTooManyData                  ErrorCode = 12
	CodeTooFewData                   ErrorCode = 13
	CodeResponseTimeout              ErrorCode = 14
	CodeConnResetByPeer              ErrorCode = 15
	CodeConnRefused                  ErrorCode = 16
	CodeInvalidSlave                 ErrorCode = 17
	CodeInvalidFunction              ErrorCode = 18
	CodeInvalidSubFunction           ErrorCode = 19
	CodeInvalidAddress               ErrorCode = 20
	CodeInvalidData                  ErrorCode = 21
	CodeInvalidQuantity              ErrorCode = 22
	CodeInvalidByteLength            ErrorCode = 23
	CodeInvalidExceptionCode         ErrorCode = 24
	CodeCRC                          ErrorCode = 25
	CodeInvalidArgument              ErrorCode = 26
	CodeInvalidSourceSize            ErrorCode = 27
	CodeNotSupported                 ErrorCode = 28
	CodeQueueFull                    ErrorCode = 29
	CodeSentBufferFull               ErrorCode = 30
	CodeNoChannelForUnit             ErrorCode = 31
	CodeNoFreeTransaction            ErrorCode = 32
	CodeBufferTooSmall               ErrorCode = 33
	CodeInvalidMBAPHeader            ErrorCode = 40
	CodeInvalidMBAPTransactionID     ErrorCode = 41
	CodeInvalidMBAPProtocolID        ErrorCode = 42
	CodeInvalidMBAPLength            ErrorCode = 43
	CodeInvalidMBAPUnitID            ErrorCode = 44
)

var codeNames = map[ErrorCode]string{
	Success:                          "success",
	ExceptionIllegalFunction:         "illegal function",
	ExceptionIllegalDataAddress:      "illegal data address",
	ExceptionIllegalDataValue:        "illegal data value",
	ExceptionServerDeviceFailure:     "server device failure",
	ExceptionAcknowledge:             "acknowledge",
	ExceptionServerDeviceBusy:        "server device busy",
	ExceptionNegativeAcknowledge:     "negative acknowledge",
	ExceptionMemoryParityError:       "memory parity error",
	ExceptionGatewayPathUnavailable:  "gateway path unavailable",
	ExceptionGatewayTargetNoResponse: "gateway target device failed to respond",
	CodeTooManyData:                  "too many data",
	CodeTooFewData:                   "too few data",
	CodeResponseTimeout:              "response timeout",
	CodeConnResetByPeer:              "connection reset by peer",
	CodeConnRefused:                  "connection refused",
	CodeInvalidSlave:                 "invalid slave",
	CodeInvalidFunction:              "invalid function",
	CodeInvalidSubFunction:           "invalid sub-function",
	CodeInvalidAddress:               "invalid address",
	CodeInvalidData:                  "invalid data",
	CodeInvalidQuantity:              "invalid quantity",
	CodeInvalidByteLength:            "invalid byte length",
	CodeInvalidExceptionCode:         "invalid exception code",
	CodeCRC:                          "crc mismatch",
	CodeInvalidArgument:              "invalid argument",
	CodeInvalidSourceSize:            "invalid source size",
	CodeNotSupported:                 "not supported",
	CodeQueueFull:                    "queue full",
	CodeSentBufferFull:               "tcp sent buffer full",
	CodeNoChannelForUnit:             "no channel for unit",
	CodeNoFreeTransaction:            "no free transaction",
	CodeBufferTooSmall:               "buffer too small",
	CodeInvalidMBAPHeader:            "invalid mbap header",
	CodeInvalidMBAPTransactionID:     "invalid mbap transaction id",
	CodeInvalidMBAPProtocolID:        "invalid mbap protocol id",
	CodeInvalidMBAPLength:            "invalid mbap length",
	CodeInvalidMBAPUnitID:            "invalid mbap unit id",
}

func (c ErrorCode) Error() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown error code %d", uint8(c))
}

// IsException reports whether c was returned by the remote device.
func (c ErrorCode) IsException() bool {
	switch c {
	case ExceptionIllegalFunction, ExceptionIllegalDataAddress, ExceptionIllegalDataValue,
		ExceptionServerDeviceFailure, ExceptionAcknowledge, ExceptionServerDeviceBusy,
		ExceptionNegativeAcknowledge, ExceptionMemoryParityError,
		ExceptionGatewayPathUnavailable, ExceptionGatewayTargetNoResponse:
		return true
	}
	return false
}

// Error is the failure of a completed transaction.
type Error struct {
	FunctionCode byte
	Code         ErrorCode
}

func (e *Error) Error() string {
	if e.Code.IsException() {
		return fmt.Sprintf("modbus: exception '%v' (%d), function '%v'", e.Code, uint8(e.Code), e.FunctionCode)
	}
	return fmt.Sprintf("modbus: %v, function '%v'", e.Code, e.FunctionCode)
}

// Is matches the bare ErrorCode so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	code, ok := target.(ErrorCode)
	return ok && code == e.Code
}

var (
	// ErrInvalidConfig is wrapped by every configuration validation error.
	ErrInvalidConfig = errors.New("modbus: invalid configuration")
	// ErrDuplicateUnit is returned when a channel for the unit already exists.
	ErrDuplicateUnit = errors.New("modbus: duplicate unit id")
	// ErrNoFreeChannel is returned when every channel slot is taken.
	ErrNoFreeChannel = errors.New("modbus: no free channel")
	// ErrNotConnected is returned by stream adapters used before Connect.
	ErrNotConnected = errors.New("modbus: not connected")
)

// isWriteFunction reports whether the function code may be broadcast.
func isWriteFunction(fc byte) bool {
	switch fc {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleCoils,
		FuncCodeWriteMultipleRegisters, FuncCodeMaskWriteRegister:
		return true
	}
	return false
}
