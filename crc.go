// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// crcTable is the reflected CRC-16/MODBUS table for polynomial 0xA001.
var crcTable = func() (table [256]uint16) {
	for i := range table {
		v := uint16(i)
		for b := 0; b < 8; b++ {
			if v&1 != 0 {
				v = v>>1 ^ 0xA001
			} else {
				v >>= 1
			}
		}
		table[i] = v
	}
	return table
}()

// crc computes the Modbus RTU checksum.
type crc struct {
	value uint16
}

func (c *crc) reset() *crc {
	c.value = 0xFFFF
	return c
}

func (c *crc) pushBytes(bs []byte) *crc {
	for _, b := range bs {
		c.value = c.value>>8 ^ crcTable[byte(c.value)^b]
	}
	return c
}

func (c *crc) sum() uint16 {
	return c.value
}

// crc16 returns the checksum of data. The low byte is transmitted first.
func crc16(data []byte) uint16 {
	var c crc
	return c.reset().pushBytes(data).sum()
}

// CRC16 returns the Modbus RTU checksum of data.
func CRC16(data []byte) uint16 {
	return crc16(data)
}
