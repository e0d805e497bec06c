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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

var ErrSearchCancelled = errors.New("search cancelled")

// OnMatchedCallback is invoked exactly once when a search is matched, with
// the search itself and the opposing search.
type OnMatchedCallback func(search, opponent *Search)

const (
	// Opponent rating gap accepted by a fresh search.
	searchBoundaryStart = 250.0
	// Band widening per pop iteration that failed to match the search.
	searchBoundaryWidening = 100.0
	searchBoundaryMax      = 1250.0
)

// Search is a pending request to be matched in a specific queue. It is
// created by LadderService.StartSearch and lives until matched or cancelled.
// All players in a search share the same target queue.
type Search struct {
	ticket     string
	players    []*Player
	ratingType string
	queue      *MatchmakerQueue
	onMatched  OnMatchedCallback
	createdAt  time.Time
	// Non-nil only for searches assembled out of smaller ones during team
	// matchmaking. Constituents keep their own lifecycle.
	originals []*Search

	mu             sync.Mutex
	matched        bool
	cancelled      bool
	opponent       *Search
	failedAttempts int
	done           chan struct{}
}

func NewSearch(players []*Player, ratingType string, queue *MatchmakerQueue, onMatched OnMatchedCallback) *Search {
	return &Search{
		ticket:     uuid.Must(uuid.NewV4()).String(),
		players:    players,
		ratingType: ratingType,
		queue:      queue,
		onMatched:  onMatched,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// NewCombinedSearch assembles several searches into one that fills a whole
// team. The combination inherits the earliest creation time and the widest
// boundary of its constituents so long-waiting parties are not penalised.
func NewCombinedSearch(searches ...*Search) *Search {
	if len(searches) == 0 {
		return nil
	}
	players := make([]*Player, 0, len(searches))
	originals := make([]*Search, 0, len(searches))
	createdAt := searches[0].createdAt
	failedAttempts := 0
	for _, s := range searches {
		players = append(players, s.players...)
		originals = append(originals, s.OriginalSearches()...)
		if s.createdAt.Before(createdAt) {
			createdAt = s.createdAt
		}
		if attempts := s.FailedAttempts(); attempts > failedAttempts {
			failedAttempts = attempts
		}
	}
	return &Search{
		ticket:         uuid.Must(uuid.NewV4()).String(),
		players:        players,
		ratingType:     searches[0].ratingType,
		queue:          searches[0].queue,
		createdAt:      createdAt,
		originals:      originals,
		failedAttempts: failedAttempts,
		done:           make(chan struct{}),
	}
}

func (s *Search) Ticket() string          { return s.ticket }
func (s *Search) Players() []*Player      { return s.players }
func (s *Search) Queue() *MatchmakerQueue { return s.queue }
func (s *Search) RatingType() string      { return s.ratingType }
func (s *Search) CreatedAt() time.Time    { return s.createdAt }

func (s *Search) Age() time.Duration {
	return time.Since(s.createdAt)
}

// OriginalSearches reports the searches that were enqueued by players. For a
// plain search that is the search itself; for a combined search its
// constituents.
func (s *Search) OriginalSearches() []*Search {
	if s.originals != nil {
		return s.originals
	}
	return []*Search{s}
}

func (s *Search) AverageRating() float64 {
	if len(s.players) == 0 {
		return 0
	}
	return s.CumulativeRating() / float64(len(s.players))
}

func (s *Search) CumulativeRating() float64 {
	var sum float64
	for _, p := range s.players {
		sum += p.RatingFor(s.ratingType).Mean
	}
	return sum
}

func (s *Search) FailedAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempts
}

// RegisterFailedAttempt widens the search's acceptable rating band for the
// next pop. Combined searches propagate to their constituents.
func (s *Search) RegisterFailedAttempt() {
	if s.originals != nil {
		for _, o := range s.originals {
			o.RegisterFailedAttempt()
		}
		return
	}
	s.mu.Lock()
	s.failedAttempts++
	s.mu.Unlock()
}

// Boundary is the maximum opponent rating gap this search accepts.
func (s *Search) Boundary() float64 {
	b := searchBoundaryStart + searchBoundaryWidening*float64(s.FailedAttempts())
	if b > searchBoundaryMax {
		b = searchBoundaryMax
	}
	return b
}

// MatchesWith reports whether both sides accept the rating gap between them.
func (s *Search) MatchesWith(other *Search) bool {
	gap := s.AverageRating() - other.AverageRating()
	if gap < 0 {
		gap = -gap
	}
	return gap <= s.Boundary() && gap <= other.Boundary()
}

// Quality scores a prospective pairing in [0, 1], higher is more even.
func (s *Search) Quality(other *Search) float64 {
	gap := s.AverageRating() - other.AverageRating()
	if gap < 0 {
		gap = -gap
	}
	q := 1.0 - gap/1000.0
	if q < 0 {
		q = 0
	}
	return q
}

func (s *Search) IsMatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched
}

func (s *Search) IsCancelled() bool {
	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return true
	}
	for _, o := range s.originals {
		if o.IsCancelled() {
			return true
		}
	}
	return false
}

// Cancel is idempotent. A search that has already matched stays matched.
func (s *Search) Cancel() {
	s.mu.Lock()
	if s.matched || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	close(s.done)
	s.mu.Unlock()

	for _, o := range s.originals {
		o.Cancel()
	}
}

// Match transitions the search to matched against the given opponent and
// fires the on-matched callback. Returns false if the search was already
// matched or cancelled, in which case nothing is fired.
func (s *Search) Match(opponent *Search) bool {
	s.mu.Lock()
	if s.matched || s.cancelled {
		s.mu.Unlock()
		return false
	}
	s.matched = true
	s.opponent = opponent
	onMatched := s.onMatched
	close(s.done)
	s.mu.Unlock()

	for _, o := range s.originals {
		o.Match(opponent)
	}
	if onMatched != nil {
		onMatched(s, opponent)
	}
	return true
}

// matchPair commits both sides of a proposed pairing at once: every
// constituent of both searches is checked and flipped under one combined
// critical section, so a concurrent cancellation either lands before the
// commit and voids the whole pair, or after it and becomes a no-op.
// Callbacks fire only once both sides are committed.
func matchPair(sA, sB *Search) bool {
	sideA := sA.withConstituents()
	sideB := sB.withConstituents()
	all := make([]*Search, 0, len(sideA)+len(sideB))
	all = append(all, sideA...)
	all = append(all, sideB...)
	// Lock in ticket order so overlapping calls cannot deadlock.
	sort.Slice(all, func(a, b int) bool { return all[a].ticket < all[b].ticket })
	for _, s := range all {
		s.mu.Lock()
	}

	committed := true
	for _, s := range all {
		if s.matched || s.cancelled {
			committed = false
			break
		}
	}

	type firing struct {
		callback OnMatchedCallback
		search   *Search
		opponent *Search
	}
	var callbacks []firing
	if committed {
		sides := []struct {
			searches []*Search
			opponent *Search
		}{{sideA, sB}, {sideB, sA}}
		for _, side := range sides {
			for _, s := range side.searches {
				s.matched = true
				s.opponent = side.opponent
				close(s.done)
				if s.onMatched != nil {
					callbacks = append(callbacks, firing{s.onMatched, s, side.opponent})
				}
			}
		}
	}
	for i := len(all) - 1; i >= 0; i-- {
		all[i].mu.Unlock()
	}

	for _, f := range callbacks {
		f.callback(f.search, f.opponent)
	}
	return committed
}

// withConstituents returns the search itself plus, for a combined search,
// the player-enqueued searches it was assembled from.
func (s *Search) withConstituents() []*Search {
	if s.originals == nil {
		return []*Search{s}
	}
	out := make([]*Search, 0, len(s.originals)+1)
	out = append(out, s)
	return append(out, s.originals...)
}

// AwaitMatch blocks until the search is matched, cancelled, or the context
// expires. On match it returns the opposing search.
func (s *Search) AwaitMatch(ctx context.Context) (*Search, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.matched {
		return s.opponent, nil
	}
	return nil, ErrSearchCancelled
}

func (s *Search) String() string {
	logins := make([]string, 0, len(s.players))
	for _, p := range s.players {
		logins = append(logins, p.Login)
	}
	return fmt.Sprintf("Search(%s)", strings.Join(logins, ", "))
}

// Match is an ordered pair of teams proposed by a queue. Each team is a list
// of searches whose combined player count equals the queue's team size.
type Match struct {
	TeamA   []*Search
	TeamB   []*Search
	Quality float64
	Queue   *MatchmakerQueue
}

func (m *Match) Searches() []*Search {
	searches := make([]*Search, 0, len(m.TeamA)+len(m.TeamB))
	searches = append(searches, m.TeamA...)
	searches = append(searches, m.TeamB...)
	return searches
}

// OriginalSearches flattens both teams down to the player-enqueued searches.
func (m *Match) OriginalSearches() []*Search {
	var originals []*Search
	for _, s := range m.Searches() {
		originals = append(originals, s.OriginalSearches()...)
	}
	return originals
}

func (m *Match) Players() []*Player {
	var players []*Player
	for _, s := range m.Searches() {
		players = append(players, s.Players()...)
	}
	return players
}

// Collides reports whether the two matches share at least one original
// search, and therefore at least one player.
func (m *Match) Collides(other *Match) bool {
	seen := make(map[*Search]struct{})
	for _, s := range m.OriginalSearches() {
		seen[s] = struct{}{}
	}
	for _, s := range other.OriginalSearches() {
		if _, ok := seen[s]; ok {
			return true
		}
	}
	return false
}
