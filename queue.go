// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"time"
)

// transactionQueue is a fixed capacity circular buffer of transactions.
type transactionQueue struct {
	items []*Transaction
	head  int
	tail  int
	count int
}

func newTransactionQueue(capacity int) *transactionQueue {
	return &transactionQueue{items: make([]*Transaction, capacity)}
}

func (q *transactionQueue) len() int {
	return q.count
}

func (q *transactionQueue) isEmpty() bool {
	return q.count == 0
}

func (q *transactionQueue) isFull() bool {
	return q.count == len(q.items)
}

// add appends t. It fails without side effects when the queue is full.
func (q *transactionQueue) add(t *Transaction) bool {
	if t == nil || q.isFull() {
		return false
	}
	q.items[q.tail] = t
	q.tail = (q.tail + 1) % len(q.items)
	q.count++
	return true
}

// peek returns the head without removing it.
func (q *transactionQueue) peek() *Transaction {
	if q.isEmpty() {
		return nil
	}
	return q.items[q.head]
}

// read removes and returns the head.
func (q *transactionQueue) read() *Transaction {
	if q.isEmpty() {
		return nil
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return t
}

// findReady returns the offset from head of the ready transaction with the
// smallest delay, or -1. The first one found wins a tie.
func (q *transactionQueue) findReady(now time.Duration) int {
	best := -1
	var bestDelay time.Duration
	for i := 0; i < q.count; i++ {
		t := q.items[(q.head+i)%len(q.items)]
		if !t.ready(now) {
			continue
		}
		if best < 0 || t.delay < bestDelay {
			best = i
			bestDelay = t.delay
		}
	}
	return best
}

// hasReady reports whether a transaction is due at now.
func (q *transactionQueue) hasReady(now time.Duration) bool {
	return q.findReady(now) >= 0
}

// readReady removes and returns the ready transaction with the smallest
// delay. Transactions ahead of it shift back one slot so the others keep
// their order.
func (q *transactionQueue) readReady(now time.Duration) *Transaction {
	best := q.findReady(now)
	if best < 0 {
		return nil
	}
	n := len(q.items)
	winner := q.items[(q.head+best)%n]
	for i := best; i > 0; i-- {
		q.items[(q.head+i)%n] = q.items[(q.head+i-1)%n]
	}
	q.items[q.head] = winner
	return q.read()
}

// clear releases every queued transaction and empties the queue.
func (q *transactionQueue) clear() {
	for q.count > 0 {
		if t := q.read(); t != nil {
			t.release()
		}
	}
	q.head, q.tail = 0, 0
}
