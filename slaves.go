// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"time"
)

// Sentinel values returned by SlaveSet iteration. They are never valid unit ids.
const (
	SlaveNull byte = 0xFD
	SlaveEOF  byte = 0xFE
	SlaveBOF  byte = 0xFF
)

// SlaveSet is a set of unit ids with a cursor for cyclic iteration.
//
// Delay is applied between two consecutive members of one pass. When
// repetition is enabled, RepeatDelay is applied when the cursor wraps
// around to the first member again. The zero value is an empty set with
// the cursor before the first member and repetition disabled.
type SlaveSet struct {
	mask        [32]byte
	active      byte
	started     bool
	delay       time.Duration
	repeatDelay time.Duration
	repeat      bool
}

// NewSlaveSet returns a set holding ids.
func NewSlaveSet(ids ...byte) SlaveSet {
	var s SlaveSet
	s.Set(ids...)
	return s
}

// Set adds ids to the set. Ids above MaxSlaveID are ignored.
func (s *SlaveSet) Set(ids ...byte) {
	for _, id := range ids {
		if id <= MaxSlaveID {
			s.mask[id>>3] |= 1 << (id & 7)
		}
	}
}

// SetRange adds every id in [begin, end].
func (s *SlaveSet) SetRange(begin, end byte) {
	for id := int(begin); id <= int(end) && id <= MaxSlaveID; id++ {
		s.mask[id>>3] |= 1 << (id & 7)
	}
}

// Remove deletes ids from the set.
func (s *SlaveSet) Remove(ids ...byte) {
	for _, id := range ids {
		if id <= MaxSlaveID {
			s.mask[id>>3] &^= 1 << (id & 7)
		}
	}
}

// RemoveRange deletes every id in [begin, end].
func (s *SlaveSet) RemoveRange(begin, end byte) {
	for id := int(begin); id <= int(end) && id <= MaxSlaveID; id++ {
		s.mask[id>>3] &^= 1 << (id & 7)
	}
}

// IsSet reports whether id is a member.
func (s *SlaveSet) IsSet(id byte) bool {
	if id > MaxSlaveID {
		return false
	}
	return s.mask[id>>3]&(1<<(id&7)) != 0
}

// Clear empties the set, rewinds the cursor and resets both delays.
func (s *SlaveSet) Clear() {
	*s = SlaveSet{}
}

// Valid reports whether the set has at least one member.
func (s *SlaveSet) Valid() bool {
	for _, b := range s.mask {
		if b != 0 {
			return true
		}
	}
	return false
}

// Active returns the cursor, or SlaveBOF before the first Next.
func (s *SlaveSet) Active() byte {
	if !s.started {
		return SlaveBOF
	}
	return s.active
}

// ResetActive rewinds the cursor before the first member.
func (s *SlaveSet) ResetActive() {
	s.active = 0
	s.started = false
}

// Next advances the cursor to the next member and returns it, or SlaveEOF
// when the pass is over and repetition is disabled.
func (s *SlaveSet) Next() byte {
	id := s.scan()
	if id != SlaveEOF {
		s.active = id
		s.started = true
	}
	return id
}

// Peek returns what Next would return without moving the cursor.
func (s *SlaveSet) Peek() byte {
	return s.scan()
}

// HasMore reports whether Next would return a member.
func (s *SlaveSet) HasMore() bool {
	return s.scan() != SlaveEOF
}

func (s *SlaveSet) scan() byte {
	start := 0
	if s.started {
		start = int(s.active) + 1
	}
	for id := start; id <= MaxSlaveID; id++ {
		if s.IsSet(byte(id)) {
			return byte(id)
		}
	}
	if s.repeat && s.started {
		for id := 0; id <= int(s.active); id++ {
			if s.IsSet(byte(id)) {
				return byte(id)
			}
		}
	}
	return SlaveEOF
}

// Delay returns the pause between two members of one pass.
func (s *SlaveSet) Delay() time.Duration {
	return s.delay
}

// SetDelay sets the pause between two members of one pass.
func (s *SlaveSet) SetDelay(d time.Duration) {
	s.delay = d
}

// RepeatDelay returns the pause before a new pass, or a negative value
// when repetition is disabled.
func (s *SlaveSet) RepeatDelay() time.Duration {
	if !s.repeat {
		return -1
	}
	return s.repeatDelay
}

// SetRepeatDelay enables repetition with pause d between passes. A negative
// d disables repetition.
func (s *SlaveSet) SetRepeatDelay(d time.Duration) {
	s.repeat = d >= 0
	if s.repeat {
		s.repeatDelay = d
	} else {
		s.repeatDelay = 0
	}
}

// Repeat reports whether the set restarts after its last member.
func (s *SlaveSet) Repeat() bool {
	return s.repeat
}

// slaves makes SlaveSet a Target.
func (s SlaveSet) slaves() SlaveSet {
	return s
}
