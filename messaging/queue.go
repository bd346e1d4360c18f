// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warden-foundation/warden/lib/clock"
)

// ErrTryAgain is returned by a Sender when the bus cannot accept the
// message right now. The queue backs off and retries; the message is
// not counted as failed.
var ErrTryAgain = errors.New("messaging: bus busy, try again")

// Sender is the outbound half of the cluster message bus.
type Sender interface {
	Send(data []byte) error
}

// sendAttempts bounds hard-failure retries per message before the
// failure is escalated to the owner.
const sendAttempts = 5

// Queue depth thresholds for operator visibility. The queue never
// drops messages regardless of depth.
const (
	depthWarn  = 200
	depthError = 1000
)

// maxFlushDelay caps the backoff between flush attempts.
const maxFlushDelay = time.Second

type queuedMessage struct {
	data     []byte
	attempts int
}

// Queue is the outbound cluster-message queue. Loop-confined: all
// methods run on the owning event loop; the flush timer callback is
// delivered back to the loop by the clock wiring in the daemon.
type Queue struct {
	logger *slog.Logger
	clock  clock.Clock
	sender Sender

	// onEscalate is called when a message has exhausted its send
	// attempts. The message is removed from the queue; the owner
	// decides whether to tear down the bus connection.
	onEscalate func(data []byte, err error)

	pending []queuedMessage
	nextID  uint64
	timer   *clock.Timer
}

// NewQueue returns an empty queue flushing to sender.
func NewQueue(logger *slog.Logger, clk clock.Clock, sender Sender, onEscalate func([]byte, error)) *Queue {
	return &Queue{
		logger:     logger.With("component", "message-queue"),
		clock:      clk,
		sender:     sender,
		onEscalate: onEscalate,
		nextID:     1,
	}
}

// Depth returns the number of queued messages.
func (q *Queue) Depth() int { return len(q.pending) }

// Enqueue assigns the envelope its monotonic id, encodes it, and
// schedules a flush. The id sequence is per process and never
// repeats.
func (q *Queue) Enqueue(envelope *Envelope) error {
	envelope.ID = q.nextID
	q.nextID++

	data, err := envelope.Encode()
	if err != nil {
		return fmt.Errorf("encoding message %d: %w", envelope.ID, err)
	}
	q.pending = append(q.pending, queuedMessage{data: data})

	switch depth := len(q.pending); {
	case depth > depthError:
		q.logger.Error("outbound queue critically deep", "depth", depth)
	case depth > depthWarn:
		q.logger.Warn("outbound queue backing up", "depth", depth)
	}

	q.Flush()
	return nil
}

// Flush sends queued messages until the queue empties or the bus
// pushes back. On push-back the flush re-arms on a timer scaled by
// queue depth.
func (q *Queue) Flush() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}

	for len(q.pending) > 0 {
		head := &q.pending[0]
		err := q.sender.Send(head.data)
		if err == nil {
			q.pending = q.pending[1:]
			continue
		}
		if errors.Is(err, ErrTryAgain) {
			q.armFlushTimer()
			return
		}
		head.attempts++
		if head.attempts < sendAttempts {
			q.logger.Warn("message send failed, will retry",
				"attempts", head.attempts, "error", err)
			q.armFlushTimer()
			return
		}
		q.logger.Error("message send failed permanently", "attempts", head.attempts, "error", err)
		failed := *head
		q.pending = q.pending[1:]
		if q.onEscalate != nil {
			q.onEscalate(failed.data, err)
		}
	}
}

// armFlushTimer schedules the next flush attempt. The delay grows
// with queue depth so a congested bus is not hammered, capped at
// maxFlushDelay.
func (q *Queue) armFlushTimer() {
	delay := time.Duration(len(q.pending)) * 10 * time.Millisecond
	if delay > maxFlushDelay {
		delay = maxFlushDelay
	}
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	q.timer = q.clock.AfterFunc(delay, q.Flush)
}
