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

type PlayerState int

const (
	PlayerStateIdle PlayerState = iota
	PlayerStateSearching
	PlayerStateStarting
	PlayerStatePlaying
)

func (s PlayerState) String() string {
	switch s {
	case PlayerStateIdle:
		return "idle"
	case PlayerStateSearching:
		return "searching"
	case PlayerStateStarting:
		return "starting"
	case PlayerStatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Rating is a player's skill estimate for one rating type, consumed from the
// external rating model. This core never recomputes mean or deviation.
type Rating struct {
	Mean      float64
	Deviation float64
}

// Displayed is the conservative rating shown to players and used for
// map pool selection.
func (r Rating) Displayed() float64 {
	return r.Mean - 3*r.Deviation
}

// MessageWriter is the per-player message sink. Implementations belong to the
// transport layer; messages may be dropped if the player has no live socket.
type MessageWriter interface {
	WriteMessage(msg map[string]interface{})
}

// Connection is the transport handle needed to launch a game at a player's
// end. It is nil while the player is not connected.
type Connection interface {
	WriteLaunchGame(game Game, isHost bool, options *GameLaunchOptions)
}

type Player struct {
	ID         int
	Login      string
	State      PlayerState
	Ratings    map[string]Rating
	Faction    int
	Out        MessageWriter
	Connection Connection
}

func (p *Player) RatingFor(ratingType string) Rating {
	return p.Ratings[ratingType]
}

func (p *Player) WriteMessage(msg map[string]interface{}) {
	if p.Out == nil {
		return
	}
	p.Out.WriteMessage(msg)
}

func (p *Player) String() string {
	return p.Login
}
