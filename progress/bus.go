// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package progress is the process-wide progress bus of spec §4.3: a
// single broker keyed by upload identifier, fanning stage updates out to
// subscribers the way the teacher's activity-monitor fans AMQP deliveries
// out to an analysis engine, but in-process over channels instead of AMQP.
package progress

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/icao-pkd/pkd-eval/core"
)

// Stage is one named phase of the ingest pipeline, per spec §4.3.
type Stage string

const (
	StageUpload     Stage = "UPLOAD"
	StageParsing    Stage = "PARSING"
	StageValidation Stage = "VALIDATION"
	StageLDAPSaving Stage = "LDAP_SAVING"
	StageFailed     Stage = "FAILED"
)

// ProcessingProgress is one update published to the bus, per spec §4.3.
type ProcessingProgress struct {
	UploadID   core.UploadID
	Stage      Stage
	Percentage int
	Message    string
	Timestamp  time.Time
	Counts     map[string]int
}

func (p ProcessingProgress) isTerminal() bool {
	return p.Stage == StageFailed || p.Percentage >= 100
}

const coalesceWindow = 50 * time.Millisecond

// subscriberBuffer bounds how many updates are queued per subscriber
// before the broker starts dropping intermediate (non-terminal) updates,
// per spec §4.3: "subscribers are permitted to be slow ... the broker
// drops intermediate updates rather than blocking the producer."
const subscriberBuffer = 16

type subscription struct {
	ch chan ProcessingProgress
}

type uploadState struct {
	mu        sync.Mutex
	lastByStage map[Stage]pendingUpdate
	subs      []*subscription
}

type pendingUpdate struct {
	percentage int
	at         time.Time
}

// Bus is the process-wide progress broker.
type Bus struct {
	clk clock.Clock

	mu      sync.Mutex
	uploads map[core.UploadID]*uploadState
}

// New constructs an empty Bus.
func New(clk clock.Clock) *Bus {
	return &Bus{clk: clk, uploads: map[core.UploadID]*uploadState{}}
}

func (b *Bus) stateFor(id core.UploadID) *uploadState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.uploads[id]
	if !ok {
		st = &uploadState{lastByStage: map[Stage]pendingUpdate{}}
		b.uploads[id] = st
	}
	return st
}

// Subscribe returns a channel of updates for id. The channel is closed
// when Close(id) is called after a terminal update.
func (b *Bus) Subscribe(id core.UploadID) <-chan ProcessingProgress {
	st := b.stateFor(id)
	st.mu.Lock()
	defer st.mu.Unlock()
	sub := &subscription{ch: make(chan ProcessingProgress, subscriberBuffer)}
	st.subs = append(st.subs, sub)
	return sub.ch
}

// Publish posts an update to every current subscriber of its upload,
// dropping intermediate updates for a subscriber whose buffer is full.
// Updates are not coalesced: two updates with the same stage and
// percentage are both offered to each subscriber.
func (b *Bus) Publish(update ProcessingProgress) {
	update.Timestamp = b.clk.Now()
	st := b.stateFor(update.UploadID)

	st.mu.Lock()
	defer st.mu.Unlock()

	// Record the latest percentage seen for this stage; the update is
	// still sent below whatever it repeats.
	st.lastByStage[update.Stage] = pendingUpdate{percentage: update.Percentage, at: update.Timestamp}

	for _, sub := range st.subs {
		if update.isTerminal() {
			// Terminal updates are not dropped on a full buffer: each is
			// sent from its own goroutine, so the publisher never blocks
			// on a stuck subscriber.
			go func(ch chan ProcessingProgress, u ProcessingProgress) {
				ch <- u
			}(sub.ch, update)
			continue
		}
		select {
		case sub.ch <- update:
		default:
			// Buffer full: drop this intermediate update rather than
			// block the producer.
		}
	}
}

// Close tears down all subscriptions for id, closing their channels. Call
// once the pipeline has delivered a terminal update for id.
func (b *Bus) Close(id core.UploadID) {
	b.mu.Lock()
	st, ok := b.uploads[id]
	delete(b.uploads, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, sub := range st.subs {
		close(sub.ch)
	}
}
