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
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// loggerForTest allows for easily adjusting log output produced by tests in one place
func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel)
}

// testMessageSink records every message written to a player.
type testMessageSink struct {
	sync.Mutex
	messages []map[string]interface{}
}

func (s *testMessageSink) WriteMessage(msg map[string]interface{}) {
	s.Lock()
	defer s.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *testMessageSink) all() []map[string]interface{} {
	s.Lock()
	defer s.Unlock()
	out := make([]map[string]interface{}, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *testMessageSink) byCommand(command string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range s.all() {
		if msg["command"] == command {
			out = append(out, msg)
		}
	}
	return out
}

// testConnection simulates a client whose game instance responds to
// launch_game by immediately joining the lobby.
type testConnection struct {
	sync.Mutex
	player *Player
	// closeOnLaunch makes the simulated game instance close instead of
	// connecting, as an abandoning player's client would.
	closeOnLaunch bool
	launches      int
}

func (c *testConnection) WriteLaunchGame(game Game, isHost bool, options *GameLaunchOptions) {
	c.Lock()
	c.launches++
	closeOnLaunch := c.closeOnLaunch
	c.Unlock()

	local, ok := game.(*LocalGame)
	if !ok {
		return
	}
	if closeOnLaunch {
		local.NotifyClosed(c.player)
		return
	}
	if isHost {
		local.NotifyHosted()
	}
	local.NotifyConnected(c.player)
}

func (c *testConnection) launchCount() int {
	c.Lock()
	defer c.Unlock()
	return c.launches
}

func testPlayer(id int, login string, mean, deviation float64) *Player {
	p := &Player{
		ID:    id,
		Login: login,
		State: PlayerStateIdle,
		Ratings: map[string]Rating{
			"ladder_1v1": {Mean: mean, Deviation: deviation},
			"tmm_2v2":    {Mean: mean, Deviation: deviation},
		},
		Faction: 1,
		Out:     &testMessageSink{},
	}
	p.Connection = &testConnection{player: p}
	return p
}

func sinkOf(p *Player) *testMessageSink {
	return p.Out.(*testMessageSink)
}

// testMetrics collects counter and gauge updates in memory.
type testMetrics struct {
	sync.Mutex
	matches     map[string]map[MatchLaunchOutcome]int
	ratingPeaks map[string]float64
	pops        int
}

func newTestMetrics() *testMetrics {
	return &testMetrics{
		matches:     make(map[string]map[MatchLaunchOutcome]int),
		ratingPeaks: make(map[string]float64),
	}
}

func (m *testMetrics) Match(queueName string, outcome MatchLaunchOutcome) {
	m.Lock()
	defer m.Unlock()
	if m.matches[queueName] == nil {
		m.matches[queueName] = make(map[MatchLaunchOutcome]int)
	}
	m.matches[queueName][outcome]++
}

func (m *testMetrics) RatingPeak(ratingType string, value float64) {
	m.Lock()
	defer m.Unlock()
	m.ratingPeaks[ratingType] = value
}

func (m *testMetrics) PopIteration(players int, processTime time.Duration) {
	m.Lock()
	defer m.Unlock()
	m.pops++
}

func (m *testMetrics) Stop(logger *zap.Logger) {}

func (m *testMetrics) matchCount(queueName string, outcome MatchLaunchOutcome) int {
	m.Lock()
	defer m.Unlock()
	return m.matches[queueName][outcome]
}

// testStore serves matchmaker definitions from memory.
type testStore struct {
	sync.Mutex
	queues  map[string]QueueInfo
	pools   map[int]MapPoolInfo
	journal map[string][]RatingJournalRow
	history []int

	queuesErr  error
	historyErr error
}

func newTestStore() *testStore {
	return &testStore{
		queues:  make(map[string]QueueInfo),
		pools:   make(map[int]MapPoolInfo),
		journal: make(map[string][]RatingJournalRow),
	}
}

func (s *testStore) FetchMatchmakerQueues(ctx context.Context) (map[string]QueueInfo, error) {
	s.Lock()
	defer s.Unlock()
	if s.queuesErr != nil {
		return nil, s.queuesErr
	}
	out := make(map[string]QueueInfo, len(s.queues))
	for name, info := range s.queues {
		out[name] = info
	}
	return out, nil
}

func (s *testStore) FetchMapPools(ctx context.Context) (map[int]MapPoolInfo, error) {
	s.Lock()
	defer s.Unlock()
	out := make(map[int]MapPoolInfo, len(s.pools))
	for id, info := range s.pools {
		out[id] = info
	}
	return out, nil
}

func (s *testStore) FetchRatingJournal(ctx context.Context, ratingType string, limit int) ([]RatingJournalRow, error) {
	s.Lock()
	defer s.Unlock()
	rows := s.journal[ratingType]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *testStore) FetchGameHistory(ctx context.Context, players []*Player, queueID int, limit int) ([]int, error) {
	s.Lock()
	defer s.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.history, nil
}

func (s *testStore) addQueue(info QueueInfo) {
	s.Lock()
	defer s.Unlock()
	s.queues[info.TechnicalName] = info
}

func (s *testStore) removeQueue(name string) {
	s.Lock()
	defer s.Unlock()
	delete(s.queues, name)
}

func (s *testStore) addPool(info MapPoolInfo) {
	s.Lock()
	defer s.Unlock()
	s.pools[info.ID] = info
}

// testLauncher records matches handed off for launch without running the
// launch protocol.
type testLauncher struct {
	sync.Mutex
	launches []*MatchmakerQueue
}

func (l *testLauncher) StartGame(sA, sB *Search, queue *MatchmakerQueue) {
	l.Lock()
	defer l.Unlock()
	l.launches = append(l.launches, queue)
}

func (l *testLauncher) launchCount() int {
	l.Lock()
	defer l.Unlock()
	return len(l.launches)
}
