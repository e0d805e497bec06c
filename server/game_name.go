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

import "strings"

// GameName builds a lobby title from the participating teams, such as
// "alice Vs bob" or "Team alice Vs Team carol".
func GameName(teams ...[]*Player) string {
	names := make([]string, 0, len(teams))
	for _, team := range teams {
		names = append(names, teamName(team))
	}
	return strings.Join(names, " Vs ")
}

func teamName(team []*Player) string {
	switch len(team) {
	case 0:
		return "Unknown"
	case 1:
		return team[0].Login
	default:
		return "Team " + team[0].Login
	}
}
