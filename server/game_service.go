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
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type InitMode int

const (
	InitModeNormalLobby InitMode = iota
	InitModeAutoLobby
)

// GameClosedError reports that the game instance at a player's end closed
// during setup. That player is the abandoner.
type GameClosedError struct {
	Player *Player
}

func (e *GameClosedError) Error() string {
	return fmt.Sprintf("game closed by %s", e.Player.Login)
}

type CreateGameParams struct {
	GameMode          string
	Host              *Player
	Name              string
	MatchmakerQueueID int
	RatingType        string
	MaxPlayers        int
	InitMode          InitMode
}

// Game is the handle this core drives through the launch protocol. The game
// object itself is owned by the GameService.
type Game interface {
	ID() int64
	SetName(name string)
	SetMapFilePath(path string)
	MapFilePath() string
	SetPlayerOption(playerID int, key string, value interface{})
	PlayerOption(playerID int, key string) interface{}
	SetOptions(options map[string]interface{})
	// WaitHosted blocks until the host's game instance reports ready.
	// Returns context.DeadlineExceeded on timeout, or a *GameClosedError.
	WaitHosted(ctx context.Context, timeout time.Duration) error
	// WaitLaunched blocks until every player's instance has connected.
	WaitLaunched(ctx context.Context, timeout time.Duration) error
	ConnectedPlayers() []*Player
	// OnFinish tears the game down after a failed or completed launch.
	OnFinish()
}

// GameService is the external factory that owns games after creation.
type GameService interface {
	CreateGame(params CreateGameParams) (Game, error)
	// MarkDirty schedules a queue-state broadcast to connected clients.
	MarkDirty(queue *MatchmakerQueue)
}

// LocalGameService is an in-process GameService sufficient for tests and
// single-node deployments; production wires the full game server here.
type LocalGameService struct {
	sync.Mutex
	nextID *atomic.Int64
	games  map[int64]*LocalGame
}

func NewLocalGameService() *LocalGameService {
	return &LocalGameService{
		nextID: atomic.NewInt64(0),
		games:  make(map[int64]*LocalGame),
	}
}

func (s *LocalGameService) CreateGame(params CreateGameParams) (Game, error) {
	game := &LocalGame{
		id:            s.nextID.Inc(),
		name:          params.Name,
		gameMode:      params.GameMode,
		host:          params.Host,
		ratingType:    params.RatingType,
		maxPlayers:    params.MaxPlayers,
		initMode:      params.InitMode,
		options:       make(map[string]interface{}),
		playerOptions: make(map[int]map[string]interface{}),
		hosted:        make(chan struct{}),
		launched:      make(chan struct{}),
	}
	s.Lock()
	s.games[game.id] = game
	s.Unlock()
	return game, nil
}

func (s *LocalGameService) MarkDirty(queue *MatchmakerQueue) {}

func (s *LocalGameService) Game(id int64) *LocalGame {
	s.Lock()
	defer s.Unlock()
	return s.games[id]
}

type LocalGame struct {
	sync.Mutex
	id            int64
	name          string
	gameMode      string
	host          *Player
	ratingType    string
	maxPlayers    int
	initMode      InitMode
	mapFilePath   string
	options       map[string]interface{}
	playerOptions map[int]map[string]interface{}
	connected     []*Player
	closedBy      *Player
	hosted        chan struct{}
	launched      chan struct{}
	hostedOnce    sync.Once
	launchedOnce  sync.Once
	finished      bool
}

func (g *LocalGame) ID() int64 { return g.id }

func (g *LocalGame) SetName(name string) {
	g.Lock()
	g.name = name
	g.Unlock()
}

func (g *LocalGame) Name() string {
	g.Lock()
	defer g.Unlock()
	return g.name
}

func (g *LocalGame) SetMapFilePath(path string) {
	g.Lock()
	g.mapFilePath = path
	g.Unlock()
}

func (g *LocalGame) MapFilePath() string {
	g.Lock()
	defer g.Unlock()
	return g.mapFilePath
}

func (g *LocalGame) SetPlayerOption(playerID int, key string, value interface{}) {
	g.Lock()
	defer g.Unlock()
	if g.playerOptions[playerID] == nil {
		g.playerOptions[playerID] = make(map[string]interface{})
	}
	g.playerOptions[playerID][key] = value
}

func (g *LocalGame) PlayerOption(playerID int, key string) interface{} {
	g.Lock()
	defer g.Unlock()
	if opts := g.playerOptions[playerID]; opts != nil {
		return opts[key]
	}
	return nil
}

func (g *LocalGame) SetOptions(options map[string]interface{}) {
	g.Lock()
	defer g.Unlock()
	for k, v := range options {
		g.options[k] = v
	}
}

func (g *LocalGame) Options() map[string]interface{} {
	g.Lock()
	defer g.Unlock()
	options := make(map[string]interface{}, len(g.options))
	for k, v := range g.options {
		options[k] = v
	}
	return options
}

// NotifyHosted is called by the connection layer when the host's instance
// reaches the lobby.
func (g *LocalGame) NotifyHosted() {
	g.hostedOnce.Do(func() { close(g.hosted) })
}

// NotifyConnected is called per player instance; once all expected players
// are in, the game counts as launched.
func (g *LocalGame) NotifyConnected(p *Player) {
	g.Lock()
	g.connected = append(g.connected, p)
	allIn := len(g.connected) >= g.maxPlayers
	g.Unlock()
	if allIn {
		g.launchedOnce.Do(func() { close(g.launched) })
	}
}

// NotifyClosed records that a player's instance closed during setup.
func (g *LocalGame) NotifyClosed(p *Player) {
	g.Lock()
	if g.closedBy == nil {
		g.closedBy = p
	}
	g.Unlock()
	g.hostedOnce.Do(func() { close(g.hosted) })
	g.launchedOnce.Do(func() { close(g.launched) })
}

func (g *LocalGame) closedError() error {
	g.Lock()
	defer g.Unlock()
	if g.closedBy != nil {
		return &GameClosedError{Player: g.closedBy}
	}
	return nil
}

func (g *LocalGame) WaitHosted(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-g.hosted:
		return g.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *LocalGame) WaitLaunched(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-g.launched:
		return g.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *LocalGame) ConnectedPlayers() []*Player {
	g.Lock()
	defer g.Unlock()
	players := make([]*Player, len(g.connected))
	copy(players, g.connected)
	return players
}

func (g *LocalGame) OnFinish() {
	g.Lock()
	g.finished = true
	g.Unlock()
}

func (g *LocalGame) Finished() bool {
	g.Lock()
	defer g.Unlock()
	return g.finished
}
