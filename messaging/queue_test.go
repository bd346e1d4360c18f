// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/warden-foundation/warden/lib/clock"
)

// scriptedSender fails sends according to a script, then succeeds.
type scriptedSender struct {
	errs []error
	sent [][]byte
}

func (s *scriptedSender) Send(data []byte) error {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, data)
	return nil
}

func newTestQueue(sender Sender, onEscalate func([]byte, error)) (*Queue, *clock.FakeClock) {
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(logger, fake, sender, onEscalate), fake
}

func TestEnqueueAssignsMonotonicIDs(t *testing.T) {
	sender := &scriptedSender{}
	queue, _ := newTestQueue(sender, nil)

	first := sampleEnvelope([]byte("a"))
	second := sampleEnvelope([]byte("b"))
	if err := queue.Enqueue(first); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(second); err != nil {
		t.Fatal(err)
	}
	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("ids %d, %d", first.ID, second.ID)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent %d messages", len(sender.sent))
	}
}

func TestTryAgainBacksOffWithoutLoss(t *testing.T) {
	sender := &scriptedSender{errs: []error{ErrTryAgain, ErrTryAgain}}
	queue, fake := newTestQueue(sender, nil)

	if err := queue.Enqueue(sampleEnvelope([]byte("payload"))); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 || queue.Depth() != 1 {
		t.Fatalf("sent=%d depth=%d after push-back", len(sender.sent), queue.Depth())
	}

	// The re-armed flush timer fires within the first advance, and its
	// second push-back re-arms it inside the same window, so the send
	// completes there; the second advance finds nothing to do.
	fake.Advance(time.Second)
	fake.Advance(time.Second)
	if len(sender.sent) != 1 || queue.Depth() != 0 {
		t.Fatalf("sent=%d depth=%d after backoff retries", len(sender.sent), queue.Depth())
	}
}

func TestHardFailureEscalatesAfterBoundedRetries(t *testing.T) {
	hard := errors.New("connection reset")
	sender := &scriptedSender{errs: []error{hard, hard, hard, hard, hard}}
	var escalated error
	queue, fake := newTestQueue(sender, func(_ []byte, err error) { escalated = err })

	if err := queue.Enqueue(sampleEnvelope([]byte("doomed"))); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < sendAttempts; i++ {
		fake.Advance(time.Second)
	}
	if !errors.Is(escalated, hard) {
		t.Fatalf("escalated = %v", escalated)
	}
	if queue.Depth() != 0 {
		t.Fatalf("failed message still queued, depth=%d", queue.Depth())
	}
}

func TestOrderPreservedAcrossBackoff(t *testing.T) {
	sender := &scriptedSender{errs: []error{ErrTryAgain}}
	queue, fake := newTestQueue(sender, nil)

	a := sampleEnvelope([]byte("first"))
	b := sampleEnvelope([]byte("second"))
	queue.Enqueue(a)
	queue.Enqueue(b)
	fake.Advance(time.Second)

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d", len(sender.sent))
	}
	firstDecoded, err := Decode(sender.sent[0], 0)
	if err != nil {
		t.Fatal(err)
	}
	if firstDecoded.ID != a.ID {
		t.Fatalf("first message on the wire has id %d, want %d", firstDecoded.ID, a.ID)
	}
}
