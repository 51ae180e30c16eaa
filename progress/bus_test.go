// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package progress

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icao-pkd/pkd-eval/core"
)

func TestSubscribeReceivesPublishedUpdate(t *testing.T) {
	bus := New(clock.NewFake())
	id := core.NewUploadID()
	ch := bus.Subscribe(id)

	bus.Publish(ProcessingProgress{UploadID: id, Stage: StageParsing, Percentage: 10})

	select {
	case update := <-ch:
		assert.Equal(t, StageParsing, update.Stage)
		assert.Equal(t, 10, update.Percentage)
	case <-time.After(time.Second):
		t.Fatal("did not receive published update")
	}
}

func TestPublishStampsTimestampFromClock(t *testing.T) {
	fc := clock.NewFake()
	fc.Set(time.Unix(1000, 0))
	bus := New(fc)
	id := core.NewUploadID()
	ch := bus.Subscribe(id)

	bus.Publish(ProcessingProgress{UploadID: id, Stage: StageParsing, Percentage: 10})

	update := <-ch
	assert.True(t, update.Timestamp.Equal(time.Unix(1000, 0)))
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	bus := New(clock.NewFake())
	id := core.NewUploadID()
	ch := bus.Subscribe(id)

	bus.Close(id)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestTerminalUpdateIsNeverDropped(t *testing.T) {
	bus := New(clock.NewFake())
	id := core.NewUploadID()
	ch := bus.Subscribe(id)

	// Fill the subscriber buffer with intermediate updates that will be
	// dropped, then confirm the terminal update still arrives.
	for i := 0; i < subscriberBuffer*2; i++ {
		bus.Publish(ProcessingProgress{UploadID: id, Stage: StageParsing, Percentage: 20})
	}
	bus.Publish(ProcessingProgress{UploadID: id, Stage: StageFailed, Percentage: 100, Message: "boom"})

	var sawTerminal bool
	for i := 0; i < subscriberBuffer+1; i++ {
		select {
		case update := <-ch:
			if update.isTerminal() {
				sawTerminal = true
			}
		case <-time.After(time.Second):
			break
		}
	}
	require.True(t, sawTerminal, "terminal update should always be delivered")
}

func TestSubscribeBeforePublishIsIndependentPerUpload(t *testing.T) {
	bus := New(clock.NewFake())
	a, b := core.NewUploadID(), core.NewUploadID()
	chA := bus.Subscribe(a)
	chB := bus.Subscribe(b)

	bus.Publish(ProcessingProgress{UploadID: a, Stage: StageParsing, Percentage: 5})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected update on a's channel")
	}
	select {
	case <-chB:
		t.Fatal("did not expect update on b's channel")
	default:
	}
}
