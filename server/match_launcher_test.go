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

type launcherFixture struct {
	launcher    *MatchLauncher
	store       *testStore
	gameService *LocalGameService
	violations  *ViolationService
	metrics     *testMetrics
	queue       *MatchmakerQueue
}

func newLauncherFixture(t *testing.T, teamSize int) *launcherFixture {
	logger := loggerForTest(t)
	store := newTestStore()
	metrics := newTestMetrics()
	violations := NewViolationService(logger, nil, time.Hour)
	gameService := NewLocalGameService()
	launcher := NewMatchLauncher(logger, NewConfig(), store, gameService, violations, metrics)

	queue := NewMatchmakerQueue(
		logger, NewTeamMatchMaker(logger), nil, nil,
		"ladder1v1", 1, "faf", "ladder_1v1", teamSize, nil,
	)
	queue.AddMapPool(NewMapPool(1, "regular", []MapEntry{
		&MapVersion{ID: 10, DisplayName: "X", FileName: "maps/x.zip", Weight: 1},
	}), nil, nil)
	return &launcherFixture{
		launcher:    launcher,
		store:       store,
		gameService: gameService,
		violations:  violations,
		metrics:     metrics,
		queue:       queue,
	}
}

func matchedSearches(queue *MatchmakerQueue, teams ...[]*Player) []*Search {
	searches := make([]*Search, len(teams))
	for i, team := range teams {
		searches[i] = NewSearch(team, queue.RatingType(), queue, nil)
	}
	return searches
}

func TestStartGameSuccess(t *testing.T) {
	f := newLauncherFixture(t, 1)
	a := testPlayer(1, "alice", 1500, 100)
	b := testPlayer(2, "bob", 1500, 100)
	a.State = PlayerStateStarting
	b.State = PlayerStateStarting
	searches := matchedSearches(f.queue, []*Player{a}, []*Player{b})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchSuccessful))
	assert.Equal(t, 1, a.Connection.(*testConnection).launchCount())
	assert.Equal(t, 1, b.Connection.(*testConnection).launchCount())
	assert.Empty(t, sinkOf(a).byCommand("match_cancelled"))

	game := f.gameService.Game(1)
	require.NotNil(t, game)
	assert.Equal(t, "alice Vs bob", game.Name())
	assert.Equal(t, "maps/x.zip", game.MapFilePath())
}

func TestStartGameHostNotConnected(t *testing.T) {
	f := newLauncherFixture(t, 1)
	host := testPlayer(1, "alice", 1500, 100)
	guest := testPlayer(2, "bob", 1500, 100)
	host.State = PlayerStateStarting
	guest.State = PlayerStateStarting
	host.Connection = nil
	searches := matchedSearches(f.queue, []*Player{host}, []*Player{guest})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchTimedOut))

	// No game was ever created.
	for _, p := range []*Player{host, guest} {
		cancelled := sinkOf(p).byCommand("match_cancelled")
		require.Len(t, cancelled, 1)
		assert.Nil(t, cancelled[0]["game_id"])
		assert.Equal(t, PlayerStateIdle, p.State)
	}

	// The host takes the blame, not the guest.
	require.Contains(t, f.violations.violations, host.ID)
	assert.NotContains(t, f.violations.violations, guest.ID)
}

func TestStartGameGuestNotConnected(t *testing.T) {
	f := newLauncherFixture(t, 1)
	host := testPlayer(1, "alice", 1500, 100)
	guest := testPlayer(2, "bob", 1500, 100)
	host.State = PlayerStateStarting
	guest.State = PlayerStateStarting
	guest.Connection = nil
	searches := matchedSearches(f.queue, []*Player{host}, []*Player{guest})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchTimedOut))
	require.Contains(t, f.violations.violations, guest.ID)
	assert.NotContains(t, f.violations.violations, host.ID)

	// This time a game existed before the abort.
	cancelled := sinkOf(host).byCommand("match_cancelled")
	require.Len(t, cancelled, 1)
	assert.Equal(t, int64(1), cancelled[0]["game_id"])
	assert.True(t, f.gameService.Game(1).Finished())
}

func TestStartGameGuestMissingSuppressesGuestLaunches(t *testing.T) {
	f := newLauncherFixture(t, 2)
	team1 := []*Player{
		testPlayer(1, "alice", 1500, 100),
		testPlayer(2, "bob", 1500, 100),
	}
	team2 := []*Player{
		testPlayer(3, "carol", 1500, 100),
		testPlayer(4, "dave", 1500, 100),
	}
	all := append(append([]*Player{}, team1...), team2...)
	for _, p := range all {
		p.State = PlayerStateStarting
	}
	dave := team2[1]
	dave.Connection = nil
	searches := matchedSearches(f.queue, team1, team2)

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchTimedOut))

	// The host got its launch command; with a guest missing, the connected
	// guests must see match_cancelled only, never launch_game.
	assert.Equal(t, 1, team1[0].Connection.(*testConnection).launchCount())
	for _, guest := range []*Player{team1[1], team2[0]} {
		assert.Equal(t, 0, guest.Connection.(*testConnection).launchCount())
		assert.Len(t, sinkOf(guest).byCommand("match_cancelled"), 1)
		assert.Equal(t, PlayerStateIdle, guest.State)
	}

	// Only the missing guest takes the blame.
	require.Contains(t, f.violations.violations, dave.ID)
	for _, p := range []*Player{team1[0], team1[1], team2[0]} {
		assert.NotContains(t, f.violations.violations, p.ID)
	}
}

func TestStartGameAbortedByPlayer(t *testing.T) {
	f := newLauncherFixture(t, 1)
	host := testPlayer(1, "alice", 1500, 100)
	guest := testPlayer(2, "bob", 1500, 100)
	host.State = PlayerStateStarting
	guest.State = PlayerStateStarting
	guest.Connection.(*testConnection).closeOnLaunch = true
	searches := matchedSearches(f.queue, []*Player{host}, []*Player{guest})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchAbortedByPlayer))
	require.Contains(t, f.violations.violations, guest.ID)
	assert.NotContains(t, f.violations.violations, host.ID)
	assert.Equal(t, PlayerStateIdle, host.State)
}

func TestStartGameEmptyPool(t *testing.T) {
	f := newLauncherFixture(t, 1)
	f.queue.ClearMapPools()
	f.queue.AddMapPool(NewMapPool(1, "empty", nil), nil, nil)

	host := testPlayer(1, "alice", 1500, 100)
	guest := testPlayer(2, "bob", 1500, 100)
	searches := matchedSearches(f.queue, []*Player{host}, []*Player{guest})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchErrored))
	// Nobody abandoned; no violations.
	assert.Empty(t, f.violations.violations)
}

func TestStartGameHistoryFetchFailure(t *testing.T) {
	f := newLauncherFixture(t, 1)
	f.store.historyErr = assert.AnError

	host := testPlayer(1, "alice", 1500, 100)
	guest := testPlayer(2, "bob", 1500, 100)
	searches := matchedSearches(f.queue, []*Player{host}, []*Player{guest})

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	assert.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchErrored))
	assert.Empty(t, f.violations.violations)
}

func TestStartGameSlotAssignment(t *testing.T) {
	f := newLauncherFixture(t, 2)
	team1 := []*Player{
		testPlayer(1, "alice", 1800, 100),
		testPlayer(2, "bob", 1200, 100),
	}
	team2 := []*Player{
		testPlayer(3, "carol", 1750, 100),
		testPlayer(4, "dave", 1250, 100),
	}
	searches := matchedSearches(f.queue, team1, team2)

	f.launcher.StartGame(searches[0], searches[1], f.queue)

	require.Equal(t, 1, f.metrics.matchCount("ladder1v1", MatchLaunchSuccessful))
	game := f.gameService.Game(1)
	require.NotNil(t, game)

	slots := make(map[int]int)
	for _, p := range append(append([]*Player{}, team1...), team2...) {
		slot := game.PlayerOption(p.ID, "StartSpot").(int)
		slots[p.ID] = slot
		assert.Equal(t, slot, game.PlayerOption(p.ID, "Army"))
		team := game.PlayerOption(p.ID, "Team").(int)
		if slot%2 == 0 {
			assert.Equal(t, 2, team)
		} else {
			assert.Equal(t, 3, team)
		}
		assert.Equal(t, p.Faction, game.PlayerOption(p.ID, "Faction"))
	}

	// All four start spots are used exactly once.
	used := make(map[int]bool)
	for _, slot := range slots {
		assert.False(t, used[slot])
		used[slot] = true
		assert.GreaterOrEqual(t, slot, 1)
		assert.LessOrEqual(t, slot, 4)
	}

	// Opponents of comparable skill sit on adjacent spots.
	assert.Equal(t, oppositePair(slots[2]), slots[4], "the two weaker players oppose each other")
	assert.Equal(t, oppositePair(slots[1]), slots[3], "the two stronger players oppose each other")
}

// oppositePair maps a slot to the other slot of its pair: 1<->2, 3<->4.
func oppositePair(slot int) int {
	if slot%2 == 1 {
		return slot + 1
	}
	return slot - 1
}
