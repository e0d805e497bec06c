// Copyright 2024 Meridiem Games
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue(t *testing.T, name string, teamSize int, onMatchFound MatchFoundCallback) *MatchmakerQueue {
	logger := loggerForTest(t)
	return NewMatchmakerQueue(
		logger, NewTeamMatchMaker(logger), nil, onMatchFound,
		name, 1, "faf", "ladder_1v1", teamSize, nil,
	)
}

func TestQueueNumPlayers(t *testing.T) {
	queue := testQueue(t, "ladder1v1", 1, nil)

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil)
	party := NewSearch([]*Player{
		testPlayer(2, "bob", 1500, 100),
		testPlayer(3, "carol", 1500, 100),
	}, "ladder_1v1", queue, nil)

	queue.Enqueue(a)
	queue.Enqueue(party)
	assert.Equal(t, 3, queue.NumPlayers())

	a.Cancel()
	assert.Equal(t, 2, queue.NumPlayers())
}

func TestQueueEnqueueKicksTimerWhenEmpty(t *testing.T) {
	logger := loggerForTest(t)
	timer := NewPopTimer(logger, 90*time.Second, 30*time.Second, 180*time.Second, 30)
	queue := NewMatchmakerQueue(
		logger, NewTeamMatchMaker(logger), timer, nil,
		"ladder1v1", 1, "faf", "ladder_1v1", 1, nil,
	)
	timer.SetQueues([]*MatchmakerQueue{queue})

	queue.Enqueue(NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil))

	select {
	case <-timer.kick:
	default:
		t.Fatal("expected a timer kick after enqueueing to an empty queue")
	}

	// The queue is no longer empty; further enqueues stay quiet.
	queue.Enqueue(NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, nil))
	select {
	case <-timer.kick:
		t.Fatal("unexpected timer kick on a non-empty queue")
	default:
	}
}

func TestFindMatches1v1PairsByProximity(t *testing.T) {
	queue := testQueue(t, "ladder1v1", 1, nil)

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil)
	b := NewSearch([]*Player{testPlayer(2, "bob", 1520, 100)}, "ladder_1v1", queue, nil)
	c := NewSearch([]*Player{testPlayer(3, "carol", 900, 100)}, "ladder_1v1", queue, nil)
	queue.Enqueue(a)
	queue.Enqueue(b)
	queue.Enqueue(c)

	matches := queue.FindMatches1v1()

	require.Len(t, matches, 1)
	got := matches[0].Players()
	assert.ElementsMatch(t, []*Player{a.Players()[0], b.Players()[0]}, got)

	// The leftover search widens for the next pop.
	assert.Equal(t, 1, c.FailedAttempts())
	assert.Zero(t, a.FailedAttempts())
}

func TestFindMatches1v1SkipsCancelled(t *testing.T) {
	queue := testQueue(t, "ladder1v1", 1, nil)

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil)
	b := NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, nil)
	queue.Enqueue(a)
	queue.Enqueue(b)
	b.Cancel()

	assert.Empty(t, queue.FindMatches1v1())
}

func TestFindMatchesProposesTeamCandidates(t *testing.T) {
	queue := testQueue(t, "tmm2v2", 2, nil)

	for i := 1; i <= 4; i++ {
		queue.Enqueue(NewSearch([]*Player{testPlayer(i, "player", 1500, 100)}, "ladder_1v1", queue, nil))
	}

	matches := queue.FindMatches()

	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Players(), 4)
	assert.Equal(t, queue, matches[0].Queue)
}

func TestFoundMatchesFinalisesAndNotifies(t *testing.T) {
	var foundA, foundB *Search
	var foundQueue *MatchmakerQueue
	queue := testQueue(t, "ladder1v1", 1, func(sA, sB *Search, q *MatchmakerQueue) {
		foundA, foundB = sA, sB
		foundQueue = q
	})

	matchedA, matchedB := false, false
	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, func(search, opponent *Search) { matchedA = true })
	b := NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, func(search, opponent *Search) { matchedB = true })
	queue.Enqueue(a)
	queue.Enqueue(b)

	queue.FoundMatches([]*Match{{TeamA: []*Search{a}, TeamB: []*Search{b}, Quality: 1.0, Queue: queue}})

	assert.True(t, a.IsMatched())
	assert.True(t, b.IsMatched())
	assert.True(t, matchedA)
	assert.True(t, matchedB)
	assert.Equal(t, a, foundA)
	assert.Equal(t, b, foundB)
	assert.Equal(t, queue, foundQueue)
	assert.Zero(t, queue.NumPlayers())
}

func TestFoundMatchesSkipsCancelledSearch(t *testing.T) {
	called := false
	queue := testQueue(t, "ladder1v1", 1, func(sA, sB *Search, q *MatchmakerQueue) { called = true })

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil)
	b := NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, nil)
	queue.Enqueue(a)
	queue.Enqueue(b)
	a.Cancel()

	queue.FoundMatches([]*Match{{TeamA: []*Search{a}, TeamB: []*Search{b}, Quality: 1.0, Queue: queue}})

	assert.False(t, called)
	assert.False(t, b.IsMatched())
}

func TestFoundMatchesCommitsPairBeforeCallbacks(t *testing.T) {
	notified := 0
	queue := testQueue(t, "ladder1v1", 1, func(sA, sB *Search, q *MatchmakerQueue) { notified++ })

	// A cancellation arriving while the pair is being finalised must void
	// both sides or neither; it can never strand one matched search whose
	// match was dropped.
	var b *Search
	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, func(search, opponent *Search) {
		b.Cancel()
	})
	b = NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, nil)
	queue.Enqueue(a)
	queue.Enqueue(b)

	queue.FoundMatches([]*Match{{TeamA: []*Search{a}, TeamB: []*Search{b}, Quality: 1.0, Queue: queue}})

	assert.Equal(t, a.IsMatched(), b.IsMatched())
	assert.True(t, b.IsMatched())
	assert.False(t, b.IsCancelled())
	assert.Equal(t, 1, notified)
}

func TestFoundMatchesIgnoresOtherQueuesMatches(t *testing.T) {
	called := false
	queue := testQueue(t, "ladder1v1", 1, func(sA, sB *Search, q *MatchmakerQueue) { called = true })
	other := testQueue(t, "ladder1v1-other", 1, nil)

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", other, nil)
	b := NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", other, nil)

	queue.FoundMatches([]*Match{{TeamA: []*Search{a}, TeamB: []*Search{b}, Quality: 1.0, Queue: other}})

	assert.False(t, called)
	assert.False(t, a.IsMatched())
}

func TestCancelAll(t *testing.T) {
	queue := testQueue(t, "ladder1v1", 1, nil)

	a := NewSearch([]*Player{testPlayer(1, "alice", 1500, 100)}, "ladder_1v1", queue, nil)
	b := NewSearch([]*Player{testPlayer(2, "bob", 1500, 100)}, "ladder_1v1", queue, nil)
	queue.Enqueue(a)
	queue.Enqueue(b)

	cancelled := queue.CancelAll()

	assert.Len(t, cancelled, 2)
	assert.True(t, a.IsCancelled())
	assert.True(t, b.IsCancelled())
	assert.Zero(t, queue.NumPlayers())
}

func TestMapPoolForRating(t *testing.T) {
	queue := testQueue(t, "ladder1v1", 1, nil)

	newbie := NewMapPool(1, "newbie", nil)
	regular := NewMapPool(2, "regular", nil)
	top := NewMapPool(3, "top", nil)

	max := 500.0
	min := 500.0
	topMin := 1500.0
	queue.AddMapPool(newbie, nil, &max)
	queue.AddMapPool(top, &topMin, nil)
	queue.AddMapPool(regular, &min, &topMin)

	assert.Equal(t, newbie, queue.MapPoolForRating(100))
	assert.Equal(t, top, queue.MapPoolForRating(2000))
	assert.Equal(t, regular, queue.MapPoolForRating(1000))
	// Bands are checked in registration order; overlaps resolve to the
	// first match.
	assert.Equal(t, newbie, queue.MapPoolForRating(500))
}

func TestGameOptions(t *testing.T) {
	logger := loggerForTest(t)
	queue := NewMatchmakerQueue(
		logger, NewTeamMatchMaker(logger), nil, nil,
		"tmm2v2", 2, "faf", "tmm_2v2", 2,
		map[string]interface{}{"GameOptions": map[string]interface{}{"Share": "FullShare"}},
	)

	options := queue.GameOptions()
	require.NotNil(t, options)
	assert.Equal(t, "FullShare", options["Share"])

	bare := testQueue(t, "ladder1v1", 1, nil)
	assert.Nil(t, bare.GameOptions())
}
