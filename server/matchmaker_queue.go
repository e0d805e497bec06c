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
	"sync"

	"go.uber.org/zap"
)

// MatchFoundCallback runs inside the pop critical section; it must only
// mutate state maps and write messages, never block.
type MatchFoundCallback func(sA, sB *Search, queue *MatchmakerQueue)

type mapPoolBand struct {
	pool      *MapPool
	minRating *float64
	maxRating *float64
}

// MatchmakerQueue holds the active searches for one queue and proposes
// candidate matches on each pop.
type MatchmakerQueue struct {
	sync.Mutex
	logger       *zap.Logger
	name         string
	id           int
	featuredMod  string
	ratingType   string
	teamSize     int
	params       map[string]interface{}
	ratingPeak   float64
	matchmaker   *TeamMatchMaker
	timer        *PopTimer
	onMatchFound MatchFoundCallback

	searches map[string]*Search
	mapPools []mapPoolBand
}

func NewMatchmakerQueue(
	logger *zap.Logger,
	matchmaker *TeamMatchMaker,
	timer *PopTimer,
	onMatchFound MatchFoundCallback,
	name string,
	id int,
	featuredMod string,
	ratingType string,
	teamSize int,
	params map[string]interface{},
) *MatchmakerQueue {
	return &MatchmakerQueue{
		logger:       logger.With(zap.String("queue", name)),
		name:         name,
		id:           id,
		featuredMod:  featuredMod,
		ratingType:   ratingType,
		teamSize:     teamSize,
		params:       params,
		ratingPeak:   1000.0,
		matchmaker:   matchmaker,
		timer:        timer,
		onMatchFound: onMatchFound,
		searches:     make(map[string]*Search),
	}
}

func (q *MatchmakerQueue) Name() string        { return q.name }
func (q *MatchmakerQueue) ID() int             { return q.id }
func (q *MatchmakerQueue) FeaturedMod() string { return q.featuredMod }

func (q *MatchmakerQueue) RatingType() string {
	q.Lock()
	defer q.Unlock()
	return q.ratingType
}

func (q *MatchmakerQueue) TeamSize() int {
	q.Lock()
	defer q.Unlock()
	return q.teamSize
}

func (q *MatchmakerQueue) RatingPeak() float64 {
	q.Lock()
	defer q.Unlock()
	return q.ratingPeak
}

// UpdateDefinition applies a refreshed queue row in place.
func (q *MatchmakerQueue) UpdateDefinition(featuredMod, ratingType string, teamSize int, params map[string]interface{}, ratingPeak float64) {
	q.Lock()
	defer q.Unlock()
	q.featuredMod = featuredMod
	q.ratingType = ratingType
	q.teamSize = teamSize
	q.params = params
	q.ratingPeak = ratingPeak
}

// Enqueue adds the search to the queue. Adding to an empty queue kicks the
// pop timer so its interval accounts for the new depth.
func (q *MatchmakerQueue) Enqueue(s *Search) {
	q.Lock()
	wasEmpty := len(q.searches) == 0
	q.searches[s.Ticket()] = s
	q.Unlock()

	q.logger.Debug("Search enqueued", zap.String("search", s.String()))
	if wasEmpty && q.timer != nil {
		q.timer.Kick()
	}
}

// NumPlayers counts players across the live searches.
func (q *MatchmakerQueue) NumPlayers() int {
	q.Lock()
	defer q.Unlock()
	count := 0
	for _, s := range q.searches {
		if s.IsCancelled() || s.IsMatched() {
			continue
		}
		count += len(s.Players())
	}
	return count
}

// liveSearchesLocked drops finished searches from the set and returns a
// snapshot of the remainder. Searches added after the snapshot participate
// in the next pop.
func (q *MatchmakerQueue) liveSearchesLocked() []*Search {
	live := make([]*Search, 0, len(q.searches))
	for ticket, s := range q.searches {
		if s.IsCancelled() || s.IsMatched() {
			delete(q.searches, ticket)
			continue
		}
		live = append(live, s)
	}
	// Map iteration order is random; keep pops deterministic.
	sort.Slice(live, func(a, b int) bool {
		return live[a].CreatedAt().Before(live[b].CreatedAt()) ||
			(live[a].CreatedAt().Equal(live[b].CreatedAt()) && live[a].Ticket() < live[b].Ticket())
	})
	return live
}

// FindMatches proposes candidate matches for a team queue (team size >= 2).
// Unmatched searches get a widened band for the next pop.
func (q *MatchmakerQueue) FindMatches() []*Match {
	q.Lock()
	live := q.liveSearchesLocked()
	teamSize := q.teamSize
	q.Unlock()

	if len(live) == 0 {
		return nil
	}

	teams := q.matchmaker.AssembleTeams(live, teamSize)
	candidates := q.matchmaker.PairTeams(teams, q)

	proposed := make(map[*Search]struct{})
	for _, m := range candidates {
		for _, s := range m.OriginalSearches() {
			proposed[s] = struct{}{}
		}
	}
	for _, s := range live {
		if _, ok := proposed[s]; !ok {
			s.RegisterFailedAttempt()
		}
	}

	q.logger.Debug("Proposed team matches", zap.Int("candidates", len(candidates)), zap.Int("searches", len(live)))
	return candidates
}

// FindMatches1v1 pairs 1v1 searches by rating proximity with mutual band
// acceptance. Returned separately so the pop loop can merge them after the
// team matchmaker has picked its set.
func (q *MatchmakerQueue) FindMatches1v1() []*Match {
	q.Lock()
	live := q.liveSearchesLocked()
	q.Unlock()

	sort.SliceStable(live, func(a, b int) bool {
		return live[a].AverageRating() > live[b].AverageRating()
	})

	var matches []*Match
	used := make(map[*Search]struct{})
	for i := 0; i < len(live); i++ {
		a := live[i]
		if _, ok := used[a]; ok {
			continue
		}
		// The nearest unused neighbour in rating order is the best
		// available partner once previous searches are paired off.
		var best *Search
		for j := i + 1; j < len(live); j++ {
			b := live[j]
			if _, ok := used[b]; ok {
				continue
			}
			if a.MatchesWith(b) {
				best = b
			}
			// Sorted by rating, gaps only grow from here.
			break
		}
		if best == nil {
			a.RegisterFailedAttempt()
			continue
		}
		used[a] = struct{}{}
		used[best] = struct{}{}
		matches = append(matches, &Match{
			TeamA:   []*Search{a},
			TeamB:   []*Search{best},
			Quality: a.Quality(best),
			Queue:   q,
		})
	}
	return matches
}

// FoundMatches finalises the picked matches owned by this queue: both teams
// of each match commit atomically, then every participating search fires its
// callback and the service-level match-found callback runs for the pair.
// A cancellation racing the commit voids the whole pair; it can never leave
// one side matched against a dropped match.
func (q *MatchmakerQueue) FoundMatches(picked []*Match) {
	q.Lock()
	type pair struct{ sA, sB *Search }
	finalised := make([]pair, 0, len(picked))
	for _, m := range picked {
		if m.Queue != q {
			continue
		}
		sA := combineTeam(m.TeamA)
		sB := combineTeam(m.TeamB)
		if !matchPair(sA, sB) {
			continue
		}
		for _, s := range m.OriginalSearches() {
			delete(q.searches, s.Ticket())
		}
		finalised = append(finalised, pair{sA, sB})
	}
	q.Unlock()

	for _, p := range finalised {
		q.logger.Info("Match finalised",
			zap.String("team_a", p.sA.String()),
			zap.String("team_b", p.sB.String()))
		if q.onMatchFound != nil {
			q.onMatchFound(p.sA, p.sB, q)
		}
	}
}

func combineTeam(team []*Search) *Search {
	if len(team) == 1 {
		return team[0]
	}
	return NewCombinedSearch(team...)
}

// CancelAll cancels every outstanding search, used when the queue is removed
// from the store.
func (q *MatchmakerQueue) CancelAll() []*Search {
	q.Lock()
	cancelled := make([]*Search, 0, len(q.searches))
	for ticket, s := range q.searches {
		delete(q.searches, ticket)
		cancelled = append(cancelled, s)
	}
	q.Unlock()

	for _, s := range cancelled {
		s.Cancel()
	}
	return cancelled
}

func (q *MatchmakerQueue) AddMapPool(pool *MapPool, minRating, maxRating *float64) {
	q.Lock()
	defer q.Unlock()
	q.mapPools = append(q.mapPools, mapPoolBand{pool: pool, minRating: minRating, maxRating: maxRating})
}

func (q *MatchmakerQueue) ClearMapPools() {
	q.Lock()
	defer q.Unlock()
	q.mapPools = nil
}

// MapPoolForRating returns the first registered pool whose band contains the
// rating, or nil.
func (q *MatchmakerQueue) MapPoolForRating(rating float64) *MapPool {
	q.Lock()
	defer q.Unlock()
	for _, band := range q.mapPools {
		if band.minRating != nil && rating < *band.minRating {
			continue
		}
		if band.maxRating != nil && rating > *band.maxRating {
			continue
		}
		return band.pool
	}
	return nil
}

// GameOptions returns queue-scoped game launch parameters, or nil.
func (q *MatchmakerQueue) GameOptions() map[string]interface{} {
	q.Lock()
	defer q.Unlock()
	if q.params == nil {
		return nil
	}
	if raw, ok := q.params["GameOptions"]; ok {
		if options, ok := raw.(map[string]interface{}); ok {
			return options
		}
	}
	return nil
}
