// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"time"
)

// sentBuffer tracks the requests of a channel awaiting a response.
type sentBuffer struct {
	slots []*Transaction
	count int
}

func newSentBuffer(capacity int) *sentBuffer {
	return &sentBuffer{slots: make([]*Transaction, capacity)}
}

// add stores t stamped with the send time.
func (s *sentBuffer) add(t *Transaction, now time.Duration) bool {
	if t == nil {
		return false
	}
	for i, slot := range s.slots {
		if slot == nil {
			t.sentAt = now
			s.slots[i] = t
			s.count++
			return true
		}
	}
	return false
}

// read removes and returns the request with transaction id tid.
func (s *sentBuffer) read(tid uint16) *Transaction {
	for i, slot := range s.slots {
		if slot != nil && (*tcpFrame)(slot).transactionID() == tid {
			s.slots[i] = nil
			s.count--
			return slot
		}
	}
	return nil
}

// readNextTimeout removes and returns a request sent at least timeout ago.
func (s *sentBuffer) readNextTimeout(now, timeout time.Duration) *Transaction {
	for i, slot := range s.slots {
		if slot != nil && now-slot.sentAt >= timeout {
			s.slots[i] = nil
			s.count--
			return slot
		}
	}
	return nil
}

// readAny removes and returns any request still in flight.
func (s *sentBuffer) readAny() *Transaction {
	for i, slot := range s.slots {
		if slot != nil {
			s.slots[i] = nil
			s.count--
			return slot
		}
	}
	return nil
}

func (s *sentBuffer) isEmpty() bool {
	return s.count == 0
}

func (s *sentBuffer) hasFree() bool {
	return s.count < len(s.slots)
}

// clear releases every tracked request.
func (s *sentBuffer) clear() {
	for t := s.readAny(); t != nil; t = s.readAny() {
		t.release()
	}
}
