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
	"sort"

	"go.uber.org/zap"
)

// Candidate sets up to this size are solved exactly; larger sets fall back
// to a greedy pass.
const pickExactLimit = 16

// TeamMatchMaker selects non-colliding matches across queues and assembles
// full teams out of partial searches for team queues.
type TeamMatchMaker struct {
	logger *zap.Logger
}

func NewTeamMatchMaker(logger *zap.Logger) *TeamMatchMaker {
	return &TeamMatchMaker{logger: logger}
}

// PickNonColliding selects a subset of candidates that is pairwise disjoint
// on original searches, maximising first the number of matches, then the
// summed quality, preferring candidates earlier in the input order on ties.
func (t *TeamMatchMaker) PickNonColliding(candidates []*Match) []*Match {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) <= pickExactLimit {
		return t.pickExact(candidates)
	}
	return t.pickGreedy(candidates)
}

func (t *TeamMatchMaker) pickExact(candidates []*Match) []*Match {
	n := len(candidates)

	// Precompute the pairwise collision mask of each candidate.
	conflicts := make([]uint64, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if candidates[i].Collides(candidates[j]) {
				conflicts[i] |= 1 << uint(j)
				conflicts[j] |= 1 << uint(i)
			}
		}
	}

	var bestMask uint64
	bestCount := -1
	bestQuality := 0.0

	// Depth-first over include/skip decisions, trying include first so that
	// on equal (count, quality) the earliest-input-order selection is kept.
	var walk func(idx int, mask uint64, blocked uint64, count int, quality float64)
	walk = func(idx int, mask uint64, blocked uint64, count int, quality float64) {
		if idx == n {
			if count > bestCount || (count == bestCount && quality > bestQuality) {
				bestMask = mask
				bestCount = count
				bestQuality = quality
			}
			return
		}
		// Even taking every remaining candidate cannot beat the best.
		if count+(n-idx) < bestCount {
			return
		}
		if blocked&(1<<uint(idx)) == 0 {
			walk(idx+1, mask|1<<uint(idx), blocked|conflicts[idx], count+1, quality+candidates[idx].Quality)
		}
		walk(idx+1, mask, blocked, count, quality)
	}
	walk(0, 0, 0, 0, 0)

	picked := make([]*Match, 0, bestCount)
	for i := 0; i < n; i++ {
		if bestMask&(1<<uint(i)) != 0 {
			picked = append(picked, candidates[i])
		}
	}
	return picked
}

// pickGreedy keeps the candidate ordering stable by quality and adds each
// match that does not collide with anything already picked. Not optimal, but
// bounded and honouring the tie-break rules.
func (t *TeamMatchMaker) pickGreedy(candidates []*Match) []*Match {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Quality > candidates[order[b]].Quality
	})

	var picked []*Match
	for _, idx := range order {
		candidate := candidates[idx]
		collides := false
		for _, m := range picked {
			if candidate.Collides(m) {
				collides = true
				break
			}
		}
		if !collides {
			picked = append(picked, candidate)
		}
	}
	return picked
}

// AssembleTeams packs searches into full teams of exactly teamSize players.
// Searches are taken in rating order so team members end up close in skill;
// a search too large for any remaining slot is left out of this pop.
func (t *TeamMatchMaker) AssembleTeams(searches []*Search, teamSize int) []*Search {
	sorted := make([]*Search, len(searches))
	copy(sorted, searches)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].AverageRating() > sorted[b].AverageRating()
	})

	type partial struct {
		members []*Search
		size    int
	}
	var open []*partial
	var teams []*Search

	for _, s := range sorted {
		size := len(s.Players())
		if size > teamSize {
			t.logger.Warn("Search larger than team size skipped",
				zap.String("search", s.String()),
				zap.Int("team_size", teamSize))
			continue
		}
		placed := false
		for _, p := range open {
			if p.size+size > teamSize {
				continue
			}
			p.members = append(p.members, s)
			p.size += size
			placed = true
			if p.size == teamSize {
				teams = append(teams, NewCombinedSearch(p.members...))
				p.members = nil
				p.size = teamSize + 1 // retire
			}
			break
		}
		if !placed {
			if size == teamSize {
				teams = append(teams, s)
			} else {
				open = append(open, &partial{members: []*Search{s}, size: size})
			}
		}
	}
	return teams
}

// PairTeams proposes matches between adjacent teams in rating order. Both
// sides must accept the rating gap; candidates may overlap, the final
// selection is done by PickNonColliding.
func (t *TeamMatchMaker) PairTeams(teams []*Search, queue *MatchmakerQueue) []*Match {
	sorted := make([]*Search, len(teams))
	copy(sorted, teams)
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].AverageRating() > sorted[b].AverageRating()
	})

	var candidates []*Match
	for i := 0; i+1 < len(sorted); i++ {
		a, b := sorted[i], sorted[i+1]
		if !a.MatchesWith(b) {
			continue
		}
		candidates = append(candidates, &Match{
			TeamA:   []*Search{a},
			TeamB:   []*Search{b},
			Quality: a.Quality(b),
			Queue:   queue,
		})
	}
	return candidates
}
