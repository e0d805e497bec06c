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
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	hostedTimeout           = 60 * time.Second
	launchedTimeoutBase     = 60 * time.Second
	launchedTimeoutPerGuest = 10 * time.Second
)

// NotConnectedError reports the players whose game instance never showed up
// during launch, either missing a connection outright or timing out.
type NotConnectedError struct {
	Players []*Player
}

func (e *NotConnectedError) Error() string {
	names := make([]string, 0, len(e.Players))
	for _, p := range e.Players {
		names = append(names, p.Login)
	}
	return fmt.Sprintf("players not connected: %s", strings.Join(names, ", "))
}

// MatchLauncher takes a finalised match through map selection, slot
// assignment, and the host/guest launch protocol, and attributes the blame
// when a launch falls apart.
type MatchLauncher struct {
	logger      *zap.Logger
	config      *MatchmakerConfig
	store       Store
	gameService GameService
	violations  *ViolationService
	metrics     Metrics
}

func NewMatchLauncher(
	logger *zap.Logger,
	config Config,
	store Store,
	gameService GameService,
	violations *ViolationService,
	metrics Metrics,
) *MatchLauncher {
	return &MatchLauncher{
		logger:      logger,
		config:      config.GetMatchmaker(),
		store:       store,
		gameService: gameService,
		violations:  violations,
		metrics:     metrics,
	}
}

// StartGame runs the full launch for one match and records its outcome. It
// blocks for up to the launch timeouts and is meant to run on its own
// goroutine, never inside a pop iteration.
func (l *MatchLauncher) StartGame(sA, sB *Search, queue *MatchmakerQueue) {
	team1 := sA.Players()
	team2 := sB.Players()
	all := append(append([]*Player{}, team1...), team2...)

	game, err := l.launchMatch(context.Background(), team1, team2, queue)
	if err == nil {
		l.metrics.Match(queue.Name(), MatchLaunchSuccessful)
		return
	}

	outcome := MatchLaunchErrored
	var abandoners []*Player
	var notConnected *NotConnectedError
	var gameClosed *GameClosedError
	switch {
	case errors.As(err, &notConnected):
		outcome = MatchLaunchTimedOut
		abandoners = notConnected.Players
	case errors.As(err, &gameClosed):
		outcome = MatchLaunchAbortedByPlayer
		abandoners = []*Player{gameClosed.Player}
	}
	l.logger.Warn("Match launch failed",
		zap.String("queue", queue.Name()),
		zap.String("outcome", string(outcome)),
		zap.Error(err))

	var gameID interface{}
	if game != nil {
		gameID = game.ID()
		game.OnFinish()
	}
	for _, p := range all {
		p.WriteMessage(matchCancelledMessage(gameID))
		if p.State == PlayerStateStarting {
			p.State = PlayerStateIdle
		}
	}
	if len(abandoners) > 0 {
		l.violations.RegisterViolations(abandoners)
	}
	l.metrics.Match(queue.Name(), outcome)
}

func (l *MatchLauncher) launchMatch(ctx context.Context, team1, team2 []*Player, queue *MatchmakerQueue) (Game, error) {
	host := team1[0]
	if host.Connection == nil {
		return nil, &NotConnectedError{Players: []*Player{host}}
	}
	all := append(append([]*Player{}, team1...), team2...)
	guests := make([]*Player, 0, len(all)-1)
	for _, p := range all {
		if p != host {
			guests = append(guests, p)
		}
	}

	history, err := l.store.FetchGameHistory(ctx, all, queue.ID(), l.config.AntiRepetitionLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch game history: %w", err)
	}

	rating := all[0].RatingFor(queue.RatingType()).Displayed()
	for _, p := range all[1:] {
		if displayed := p.RatingFor(queue.RatingType()).Displayed(); displayed < rating {
			rating = displayed
		}
	}
	pool := queue.MapPoolForRating(rating)
	if pool == nil {
		return nil, fmt.Errorf("no map pool in queue %s for rating %.0f", queue.Name(), rating)
	}
	entry, err := pool.ChooseMap(history)
	if err != nil {
		return nil, fmt.Errorf("choose map from pool %s: %w", pool.Name, err)
	}
	mapPath, err := entry.FilePath()
	if err != nil {
		return nil, fmt.Errorf("resolve map path: %w", err)
	}

	game, err := l.gameService.CreateGame(CreateGameParams{
		GameMode:          queue.FeaturedMod(),
		Host:              host,
		Name:              GameName(team1, team2),
		MatchmakerQueueID: queue.ID(),
		RatingType:        queue.RatingType(),
		MaxPlayers:        queue.TeamSize() * 2,
		InitMode:          InitModeAutoLobby,
	})
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	game.SetMapFilePath(mapPath)
	game.SetOptions(queue.GameOptions())

	teamOf := l.assignSlots(game, team1, team2, queue.RatingType())

	optionsFor := func(p *Player) *GameLaunchOptions {
		position, _ := game.PlayerOption(p.ID, "StartSpot").(int)
		return &GameLaunchOptions{
			Mapname:         mapPath,
			ExpectedPlayers: len(all),
			GameOptions:     queue.GameOptions(),
			Team:            teamOf[p],
			Faction:         p.Faction,
			MapPosition:     position,
		}
	}

	l.logger.Info("Launching match",
		zap.String("queue", queue.Name()),
		zap.Int64("game_id", game.ID()),
		zap.String("map", mapPath),
		zap.String("host", host.Login))

	host.Connection.WriteLaunchGame(game, true, optionsFor(host))
	hostErr := game.WaitHosted(ctx, hostedTimeout)

	// A guest that dropped its connection outranks a host timeout, and once
	// the match cannot form no guest gets a launch command at all.
	var disconnected []*Player
	for _, guest := range guests {
		if guest.Connection == nil {
			disconnected = append(disconnected, guest)
		}
	}
	if len(disconnected) > 0 {
		return game, &NotConnectedError{Players: disconnected}
	}
	// Legacy clients ignore match_cancelled while waiting on launch_game, so
	// guests get their launch command even when the host never showed.
	// TODO: drop this once all supported client versions honour
	// match_cancelled.
	for _, guest := range guests {
		guest.Connection.WriteLaunchGame(game, false, optionsFor(guest))
	}
	if hostErr != nil {
		return game, l.classifyWaitError(hostErr, []*Player{host})
	}

	launchedTimeout := launchedTimeoutBase + time.Duration(len(guests))*launchedTimeoutPerGuest
	if err := game.WaitLaunched(ctx, launchedTimeout); err != nil {
		return game, l.classifyWaitError(err, missingPlayers(guests, game.ConnectedPlayers()))
	}

	l.logger.Info("Match launched",
		zap.String("queue", queue.Name()),
		zap.Int64("game_id", game.ID()))
	return game, nil
}

// assignSlots pairs opponents of comparable skill onto adjacent start spots,
// shuffling the pair order so spawn positions are not rating-ordered.
// Returns each player's lobby team number.
func (l *MatchLauncher) assignSlots(game Game, team1, team2 []*Player, ratingType string) map[*Player]int {
	sorted1 := sortedByMean(team1, ratingType)
	sorted2 := sortedByMean(team2, ratingType)

	type pair struct{ a, b *Player }
	pairs := make([]pair, len(sorted1))
	for i := range sorted1 {
		pairs[i] = pair{sorted1[i], sorted2[i]}
	}
	rand.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})

	teamOf := make(map[*Player]int, len(pairs)*2)
	slot := 0
	for _, pr := range pairs {
		for _, p := range []*Player{pr.a, pr.b} {
			slot++
			team := 3
			if slot%2 == 0 {
				team = 2
			}
			teamOf[p] = team
			game.SetPlayerOption(p.ID, "Faction", p.Faction)
			game.SetPlayerOption(p.ID, "Team", team)
			game.SetPlayerOption(p.ID, "StartSpot", slot)
			game.SetPlayerOption(p.ID, "Army", slot)
			game.SetPlayerOption(p.ID, "Color", slot)
		}
	}
	return teamOf
}

func sortedByMean(team []*Player, ratingType string) []*Player {
	sorted := make([]*Player, len(team))
	copy(sorted, team)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].RatingFor(ratingType).Mean < sorted[b].RatingFor(ratingType).Mean
	})
	return sorted
}

// classifyWaitError converts a launch wait timeout into blame on the players
// who never showed; anything else passes through as-is.
func (l *MatchLauncher) classifyWaitError(err error, blamed []*Player) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &NotConnectedError{Players: blamed}
	}
	return err
}

func missingPlayers(expected, present []*Player) []*Player {
	connected := make(map[*Player]struct{}, len(present))
	for _, p := range present {
		connected[p] = struct{}{}
	}
	var missing []*Player
	for _, p := range expected {
		if _, ok := connected[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
