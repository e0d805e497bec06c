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
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GameLauncher drives a found match through map selection and the game
// launch protocol. Implemented by MatchLauncher; stubbed in tests.
type GameLauncher interface {
	StartGame(sA, sB *Search, queue *MatchmakerQueue)
}

// LadderService owns the matchmaker queues, enrolls and cancels searches on
// behalf of players, and runs the pop loop.
type LadderService struct {
	mutex      sync.RWMutex
	logger     *zap.Logger
	config     *MatchmakerConfig
	store      Store
	violations *ViolationService
	matchmaker *TeamMatchMaker
	timer      *PopTimer
	metrics    Metrics
	launcher   GameLauncher

	queues map[string]*MatchmakerQueue
	// Active searches per player, keyed by queue name. A player holds at
	// most one search per queue but may search several queues at once.
	searches map[int]map[string]*Search
	// Players already sent the rating calibration notice this process
	// lifetime.
	informed map[int]struct{}
}

func NewLadderService(
	logger *zap.Logger,
	config Config,
	store Store,
	violations *ViolationService,
	metrics Metrics,
	launcher GameLauncher,
) *LadderService {
	mmConfig := config.GetMatchmaker()
	return &LadderService{
		logger:     logger,
		config:     mmConfig,
		store:      store,
		violations: violations,
		matchmaker: NewTeamMatchMaker(logger),
		timer: NewPopTimer(
			logger,
			time.Duration(mmConfig.PopBaseSec)*time.Second,
			time.Duration(mmConfig.PopMinSec)*time.Second,
			time.Duration(mmConfig.PopMaxSec)*time.Second,
			mmConfig.PopPlayersPerInterval,
		),
		metrics:  metrics,
		launcher: launcher,
		queues:   make(map[string]*MatchmakerQueue),
		searches: make(map[int]map[string]*Search),
		informed: make(map[int]struct{}),
	}
}

// Start runs the refresh cron and the pop loop until the context is done.
func (s *LadderService) Start(ctx context.Context) {
	if err := s.RefreshFromStore(ctx); err != nil {
		s.logger.Error("Initial matchmaker refresh failed", zap.Error(err))
	}
	go s.refreshLoop(ctx)
	go s.popLoop(ctx)
}

func (s *LadderService) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.config.RefreshIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RefreshFromStore(ctx); err != nil {
				// Keep serving the previous snapshot.
				s.logger.Error("Matchmaker refresh failed", zap.Error(err))
			}
		}
	}
}

func (s *LadderService) popLoop(ctx context.Context) {
	for {
		if err := s.timer.NextPop(ctx); err != nil {
			return
		}
		if err := s.popOnce(ctx); err != nil {
			s.logger.Error("Matchmaker pop iteration failed", zap.Error(err))
			// Back off so a persistent fault cannot spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *LadderService) popOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pop iteration panic: %v", r)
		}
	}()
	s.QueuePopIteration()
	return nil
}

// Queue returns the queue with the given technical name, or nil.
func (s *LadderService) Queue(name string) *MatchmakerQueue {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.queues[name]
}

// SearchFor returns the player's active search in the named queue, or nil.
func (s *LadderService) SearchFor(playerID int, queueName string) *Search {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.searches[playerID][queueName]
}

// StartSearch enrolls the players as one search in the named queue. Players
// with an active matchmaking ban are notified and nothing is enqueued.
func (s *LadderService) StartSearch(players []*Player, queueName string, onMatched OnMatchedCallback) error {
	s.mutex.RLock()
	queue := s.queues[queueName]
	s.mutex.RUnlock()
	if queue == nil {
		return fmt.Errorf("unknown matchmaker queue %q", queueName)
	}

	if violations := s.violations.GetViolations(players); len(violations) > 0 {
		s.notifyTimedOut(players, violations, queueName)
		return nil
	}

	s.mutex.Lock()
	// Restarting a search for the same queue replaces the old one.
	for _, p := range players {
		if old := s.searches[p.ID][queueName]; old != nil {
			s.cancelLocked(old, queueName)
		}
	}

	search := NewSearch(players, queue.RatingType(), queue, onMatched)
	for _, p := range players {
		if s.searches[p.ID] == nil {
			s.searches[p.ID] = make(map[string]*Search)
		}
		s.searches[p.ID][queueName] = search
		p.State = PlayerStateSearching
		s.writeRatingProgressLocked(p, queue.RatingType())
		p.WriteMessage(searchInfoMessage(queueName, "start"))
	}
	s.mutex.Unlock()

	queue.Enqueue(search)
	return nil
}

func (s *LadderService) notifyTimedOut(players []*Player, violations map[*Player]*Violation, queueName string) {
	timeouts := make([]SearchTimeoutEntry, 0, len(violations))
	var names []string
	var latest time.Time
	for p, v := range violations {
		expiresAt := s.violations.BanExpiresAt(v)
		timeouts = append(timeouts, SearchTimeoutEntry{PlayerID: p.ID, ExpiresAt: expiresAt})
		names = append(names, p.Login)
		if expiresAt.After(latest) {
			latest = expiresAt
		}
	}
	notice := noticeMessage("info", fmt.Sprintf(
		"Matchmaking is temporarily disabled because %s left a match early. The timeout expires in %s.",
		strings.Join(names, ", "),
		naturalDelta(time.Until(latest)),
	))
	for _, p := range players {
		p.WriteMessage(searchTimeoutMessage(timeouts))
		p.WriteMessage(searchInfoMessage(queueName, "stop"))
		p.WriteMessage(notice)
	}
}

// writeRatingProgressLocked sends the calibration notice on a player's first
// search, while their rating deviation is still high.
func (s *LadderService) writeRatingProgressLocked(p *Player, ratingType string) {
	if _, ok := s.informed[p.ID]; ok {
		return
	}
	deviation := p.RatingFor(ratingType).Deviation
	switch {
	case deviation > 490:
		s.informed[p.ID] = struct{}{}
		p.WriteMessage(noticeMessage("info",
			"Welcome to the matchmaker! The system still needs to calibrate your skill level, "+
				"so your first few games may be imbalanced while it learns."))
	case deviation > 250:
		s.informed[p.ID] = struct{}{}
		progress := (500.0 - deviation) / 2.5
		p.WriteMessage(noticeMessage("info", fmt.Sprintf(
			"The matchmaking system is still calibrating your skill level. Calibration is %.0f%% complete.",
			progress)))
	}
}

// CancelSearch cancels the player's search in the named queue, or all of
// their searches when queueName is empty.
func (s *LadderService) CancelSearch(player *Player, queueName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if queueName != "" {
		if search := s.searches[player.ID][queueName]; search != nil {
			s.cancelLocked(search, queueName)
		}
		return
	}
	for name, search := range s.searches[player.ID] {
		s.cancelLocked(search, name)
	}
}

// cancelLocked cancels one search and cleans it out of every participant's
// search map, resetting players left with no remaining searches to idle.
func (s *LadderService) cancelLocked(search *Search, queueName string) {
	search.Cancel()
	for _, p := range search.Players() {
		if s.searches[p.ID][queueName] == search {
			delete(s.searches[p.ID], queueName)
			if len(s.searches[p.ID]) == 0 {
				delete(s.searches, p.ID)
			}
		}
		p.WriteMessage(searchInfoMessage(queueName, "stop"))
		if _, still := s.searches[p.ID]; !still && p.State == PlayerStateSearching {
			p.State = PlayerStateIdle
		}
	}
}

// OnMatchFound is invoked by a queue when a proposed match is finalised. It
// transitions the players to starting, withdraws them from all other queues,
// and hands the match to the launcher on a fresh goroutine.
func (s *LadderService) OnMatchFound(sA, sB *Search, queue *MatchmakerQueue) {
	s.mutex.Lock()
	players := append(append([]*Player{}, sA.Players()...), sB.Players()...)
	for _, p := range players {
		p.State = PlayerStateStarting
		p.WriteMessage(matchFoundMessage(queue.Name()))
		// Withdraw from other queues first so their stop notifications can
		// never refer to the queue the match was found in.
		for name, other := range s.searches[p.ID] {
			if name == queue.Name() {
				continue
			}
			s.cancelLocked(other, name)
		}
		delete(s.searches[p.ID], queue.Name())
		if len(s.searches[p.ID]) == 0 {
			delete(s.searches, p.ID)
		}
	}
	s.mutex.Unlock()

	if s.launcher != nil {
		go s.launcher.StartGame(sA, sB, queue)
	}
}

// OnConnectionLost withdraws a disconnected player from matchmaking
// entirely. Their calibration notice resets with the connection.
func (s *LadderService) OnConnectionLost(player *Player) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for name, search := range s.searches[player.ID] {
		s.cancelLocked(search, name)
	}
	delete(s.searches, player.ID)
	delete(s.informed, player.ID)
}

// RefreshFromStore reloads queue and map pool definitions. Existing queues
// are updated in place; queues the store no longer lists are torn down with
// their outstanding searches cancelled.
func (s *LadderService) RefreshFromStore(ctx context.Context) error {
	infos, err := s.store.FetchMatchmakerQueues(ctx)
	if err != nil && isRetryableDBError(err) {
		infos, err = s.store.FetchMatchmakerQueues(ctx)
	}
	if err != nil {
		return fmt.Errorf("fetch matchmaker queues: %w", err)
	}
	pools, err := s.store.FetchMapPools(ctx)
	if err != nil {
		return fmt.Errorf("fetch map pools: %w", err)
	}

	ratingPeaks := make(map[string]float64)
	for _, info := range infos {
		if _, ok := ratingPeaks[info.RatingType]; ok {
			continue
		}
		ratingPeaks[info.RatingType] = s.fetchRatingPeak(ctx, info.RatingType)
	}

	s.mutex.Lock()
	for name, info := range infos {
		queue, ok := s.queues[name]
		if !ok {
			queue = NewMatchmakerQueue(
				s.logger, s.matchmaker, s.timer, s.OnMatchFound,
				info.TechnicalName, info.ID, info.FeaturedMod,
				info.RatingType, info.TeamSize, info.Params,
			)
			s.queues[name] = queue
			s.logger.Info("Matchmaker queue added", zap.String("queue", name))
		}
		queue.UpdateDefinition(info.FeaturedMod, info.RatingType, info.TeamSize, info.Params, ratingPeaks[info.RatingType])
		queue.ClearMapPools()
		for _, assignment := range info.MapPools {
			poolInfo, ok := pools[assignment.MapPoolID]
			if !ok {
				s.logger.Warn("Queue references unknown map pool",
					zap.String("queue", name), zap.Int("pool", assignment.MapPoolID))
				continue
			}
			queue.AddMapPool(NewMapPool(poolInfo.ID, poolInfo.Name, poolInfo.Entries), assignment.MinRating, assignment.MaxRating)
		}
	}

	var removed []*MatchmakerQueue
	for name, queue := range s.queues {
		if _, ok := infos[name]; !ok {
			delete(s.queues, name)
			removed = append(removed, queue)
		}
	}

	active := make([]*MatchmakerQueue, 0, len(s.queues))
	for _, queue := range s.queues {
		active = append(active, queue)
	}
	s.mutex.Unlock()

	for _, queue := range removed {
		s.logger.Info("Matchmaker queue removed", zap.String("queue", queue.Name()))
		for _, search := range queue.CancelAll() {
			s.mutex.Lock()
			s.cancelLocked(search, queue.Name())
			s.mutex.Unlock()
		}
	}

	s.timer.SetQueues(active)
	for ratingType, peak := range ratingPeaks {
		s.metrics.RatingPeak(ratingType, peak)
	}
	return nil
}

// fetchRatingPeak estimates the top of the current rating distribution from
// the most recent journal rows. Falls back to 1000 when the journal is
// empty or unreadable.
func (s *LadderService) fetchRatingPeak(ctx context.Context, ratingType string) float64 {
	rows, err := s.store.FetchRatingJournal(ctx, ratingType, 1000)
	if err != nil {
		s.logger.Error("Could not fetch rating journal", zap.String("rating_type", ratingType), zap.Error(err))
		return 1000.0
	}
	peak := 1000.0
	if len(rows) > 0 {
		sum := 0.0
		for _, row := range rows {
			sum += row.MeanBefore - 3*row.DeviationBefore
		}
		peak = sum / float64(len(rows))
	}
	if len(rows) < 100 {
		s.logger.Warn("Rating peak computed from few journal rows",
			zap.String("rating_type", ratingType), zap.Int("rows", len(rows)), zap.Float64("peak", peak))
	} else if peak < 600 || peak > 1200 {
		s.logger.Warn("Rating peak outside expected bounds",
			zap.String("rating_type", ratingType), zap.Float64("peak", peak))
	}
	return peak
}

// QueuePopIteration runs one pop across all queues: team queues propose
// candidates, the matchmaker picks a non-colliding set, then 1v1 pairings
// fill in around it.
func (s *LadderService) QueuePopIteration() {
	start := time.Now()

	s.mutex.RLock()
	queues := make([]*MatchmakerQueue, 0, len(s.queues))
	for _, queue := range s.queues {
		queues = append(queues, queue)
	}
	s.mutex.RUnlock()

	var candidates []*Match
	for _, queue := range queues {
		if queue.TeamSize() >= 2 {
			candidates = append(candidates, queue.FindMatches()...)
		}
	}
	picked := s.matchmaker.PickNonColliding(candidates)

	taken := make(map[*Search]struct{})
	for _, m := range picked {
		for _, search := range m.OriginalSearches() {
			taken[search] = struct{}{}
		}
	}
	for _, queue := range queues {
		if queue.TeamSize() >= 2 {
			continue
		}
		for _, m := range queue.FindMatches1v1() {
			if matchTaken(m, taken) {
				continue
			}
			picked = append(picked, m)
			for _, search := range m.OriginalSearches() {
				taken[search] = struct{}{}
			}
		}
	}

	players := 0
	for _, queue := range queues {
		players += queue.NumPlayers()
		queue.FoundMatches(picked)
	}
	s.metrics.PopIteration(players, time.Since(start))
}

func matchTaken(m *Match, taken map[*Search]struct{}) bool {
	for _, search := range m.OriginalSearches() {
		if _, ok := taken[search]; ok {
			return true
		}
	}
	return false
}
