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
	"fmt"
	"time"
)

// Outbound command envelopes. The transport layer owns encoding; this core
// only shapes the payloads.

type SearchTimeoutEntry struct {
	PlayerID  int       `json:"player"`
	ExpiresAt time.Time `json:"expires_at"`
}

func searchInfoMessage(queueName, state string) map[string]interface{} {
	return map[string]interface{}{
		"command":    "search_info",
		"queue_name": queueName,
		"state":      state,
	}
}

func searchTimeoutMessage(timeouts []SearchTimeoutEntry) map[string]interface{} {
	times := make([]map[string]interface{}, 0, len(timeouts))
	for _, t := range timeouts {
		times = append(times, map[string]interface{}{
			"player":     t.PlayerID,
			"expires_at": t.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]interface{}{
		"command":  "search_timeout",
		"timeouts": times,
	}
}

func noticeMessage(style, text string) map[string]interface{} {
	return map[string]interface{}{
		"command": "notice",
		"style":   style,
		"text":    text,
	}
}

func matchFoundMessage(queueName string) map[string]interface{} {
	return map[string]interface{}{
		"command":    "match_found",
		"queue_name": queueName,
	}
}

// gameID is nil when the launch failed before a game was created.
func matchCancelledMessage(gameID interface{}) map[string]interface{} {
	return map[string]interface{}{
		"command": "match_cancelled",
		"game_id": gameID,
	}
}

// GameLaunchOptions is the per-player payload of a launch_game command.
type GameLaunchOptions struct {
	Mapname         string
	ExpectedPlayers int
	GameOptions     map[string]interface{}
	Team            int
	Faction         int
	MapPosition     int
}

func (o *GameLaunchOptions) Message(isHost bool) map[string]interface{} {
	return map[string]interface{}{
		"command":          "launch_game",
		"is_host":          isHost,
		"mapname":          o.Mapname,
		"expected_players": o.ExpectedPlayers,
		"game_options":     o.GameOptions,
		"team":             o.Team,
		"faction":          o.Faction,
		"map_position":     o.MapPosition,
	}
}

// naturalDelta renders a duration the way players expect to read it in a
// notice, coarsest unit only.
func naturalDelta(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := int(d.Round(time.Hour) / time.Hour)
		if hours == 1 {
			return "an hour"
		}
		return fmt.Sprintf("%d hours", hours)
	case d >= time.Minute:
		minutes := int(d.Round(time.Minute) / time.Minute)
		if minutes == 1 {
			return "a minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	default:
		seconds := int(d.Round(time.Second) / time.Second)
		if seconds == 1 {
			return "a second"
		}
		return fmt.Sprintf("%d seconds", seconds)
	}
}
