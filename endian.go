// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"unsafe"
)

// Element is a register value type spanning one or more registers.
type Element interface {
	~uint16 | ~int16 | ~uint32 | ~int32 | ~float32 | ~uint64 | ~int64 | ~float64
}

// paddedSize rounds an element size up to whole registers.
func paddedSize(elemSize int) int {
	return elemSize + elemSize%2
}

// encodeRegisters writes count elements of elemSize bytes, laid out in the
// codec byte order in src, to dst as big-endian registers. Odd sized
// elements are padded with a zero byte.
func (c *Codec) encodeRegisters(dst, src []byte, count, elemSize int) bool {
	if elemSize <= 0 || elemSize > maxElementSize {
		return false
	}
	padded := paddedSize(elemSize)
	if len(dst) < count*padded || len(src) < count*elemSize {
		return false
	}
	for i := 0; i < count; i++ {
		p := src[i*elemSize : (i+1)*elemSize]
		d := dst[i*padded : (i+1)*padded]
		if c.bigEndian() {
			copy(d, p)
			if padded > elemSize {
				d[padded-1] = 0
			}
			continue
		}
		for j := 0; j < padded; j += 2 {
			var lo, hi byte
			if j < elemSize {
				lo = p[j]
			}
			if j+1 < elemSize {
				hi = p[j+1]
			}
			d[j] = hi
			d[j+1] = lo
		}
	}
	return true
}

// decodeRegisters converts count padded big-endian elements in buf to
// elemSize bytes each in the codec byte order, in place, dropping the
// padding. limit bounds the bytes that may be touched.
func (c *Codec) decodeRegisters(buf []byte, count, elemSize, limit int) bool {
	if elemSize <= 0 || elemSize > maxElementSize {
		return false
	}
	padded := paddedSize(elemSize)
	if count*padded > limit || count*padded > len(buf) {
		return false
	}
	var tmp [maxElementSize]byte
	for i := 0; i < count; i++ {
		src := buf[i*padded : (i+1)*padded]
		for j := 0; j < padded; j += 2 {
			hi, lo := src[j], src[j+1]
			if !c.bigEndian() {
				hi, lo = lo, hi
			}
			if j < elemSize {
				tmp[j] = hi
			}
			if j+1 < elemSize {
				tmp[j+1] = lo
			}
		}
		copy(buf[i*elemSize:], tmp[:elemSize])
	}
	return true
}

// putElements lays values out in the codec byte order in dst and returns
// the element size.
func putElements[T Element](c *Codec, dst []byte, values []T) int {
	var zero T
	size := int(unsafe.Sizeof(zero))
	for i := range values {
		v := values[i]
		p := unsafe.Pointer(&v)
		switch size {
		case 2:
			c.order.PutUint16(dst[i*2:], *(*uint16)(p))
		case 4:
			c.order.PutUint32(dst[i*4:], *(*uint32)(p))
		case 8:
			c.order.PutUint64(dst[i*8:], *(*uint64)(p))
		}
	}
	return size
}

// elementSize returns the size in bytes of T.
func elementSize[T Element]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}
