// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"testing"
	"time"
)

func TestSlaveSetIteration(t *testing.T) {
	tests := []struct {
		name   string
		set    func() SlaveSet
		repeat bool
		delay  time.Duration
		want   []byte
	}{
		{
			name: "single pass",
			set:  func() SlaveSet { return NewSlaveSet(9, 2, 5) },
			want: []byte{2, 5, 9, SlaveEOF, SlaveEOF},
		},
		{
			name:   "repeat wraps around",
			set:    func() SlaveSet { return NewSlaveSet(2, 5, 9) },
			repeat: true,
			want:   []byte{2, 5, 9, 2, 5, 9, 2},
		},
		{
			name:   "single member repeats itself",
			set:    func() SlaveSet { return NewSlaveSet(7) },
			repeat: true,
			delay:  time.Second,
			want:   []byte{7, 7, 7},
		},
		{
			name: "range",
			set: func() SlaveSet {
				var s SlaveSet
				s.SetRange(245, 255)
				return s
			},
			want: []byte{245, 246, 247, SlaveEOF},
		},
		{
			name: "broadcast and removal",
			set: func() SlaveSet {
				s := NewSlaveSet(0, 1, 2, 3, 4)
				s.Remove(1)
				s.RemoveRange(3, 4)
				return s
			},
			want: []byte{0, 2, SlaveEOF},
		},
		{
			name: "empty",
			set:  func() SlaveSet { return SlaveSet{} },
			want: []byte{SlaveEOF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.set()
			if tt.repeat {
				s.SetRepeatDelay(tt.delay)
			}
			if s.Active() != SlaveBOF {
				t.Fatalf("Active() = %#x before iteration, want BOF", s.Active())
			}
			for i, want := range tt.want {
				if peek := s.Peek(); peek != want {
					t.Errorf("step %d: Peek() = %d, want %d", i, peek, want)
				}
				if got := s.Next(); got != want {
					t.Fatalf("step %d: Next() = %d, want %d", i, got, want)
				}
			}
		})
	}
}

func TestSlaveSetMembership(t *testing.T) {
	s := NewSlaveSet(0, 17, MaxSlaveID, 248, 255)
	for _, id := range []byte{0, 17, MaxSlaveID} {
		if !s.IsSet(id) {
			t.Errorf("IsSet(%d) = false", id)
		}
	}
	for _, id := range []byte{1, 248, SlaveNull, SlaveEOF, SlaveBOF} {
		if s.IsSet(id) {
			t.Errorf("IsSet(%d) = true", id)
		}
	}
	if !s.Valid() {
		t.Errorf("Valid() = false")
	}
	s.Next()
	s.SetDelay(time.Second)
	s.Clear()
	if s.Valid() || s.Active() != SlaveBOF || s.Delay() != 0 {
		t.Errorf("Clear() left state behind")
	}
}

func TestSlaveSetCursor(t *testing.T) {
	s := NewSlaveSet(3, 4)
	if !s.HasMore() {
		t.Fatalf("HasMore() = false on a fresh set")
	}
	s.Next()
	s.Next()
	if s.Active() != 4 {
		t.Fatalf("Active() = %d, want 4", s.Active())
	}
	if s.HasMore() {
		t.Errorf("HasMore() = true at the end of a pass")
	}
	s.ResetActive()
	if s.Active() != SlaveBOF || s.Next() != 3 {
		t.Errorf("ResetActive() did not rewind the cursor")
	}
}

func TestSlaveSetRepeatDelay(t *testing.T) {
	var s SlaveSet
	if s.Repeat() || s.RepeatDelay() >= 0 {
		t.Fatalf("zero value repeats")
	}
	s.SetRepeatDelay(250 * time.Millisecond)
	if !s.Repeat() || s.RepeatDelay() != 250*time.Millisecond {
		t.Errorf("RepeatDelay() = %v", s.RepeatDelay())
	}
	s.SetRepeatDelay(-1)
	if s.Repeat() || s.RepeatDelay() >= 0 {
		t.Errorf("negative delay did not disable repetition")
	}
}
