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
	"sync"
	"time"

	"go.uber.org/zap"
)

// Violation records a player's recent matchmaking offences. The ban duration
// escalates with the offence count.
type Violation struct {
	Count int
	Time  time.Time
}

// ViolationService tracks per-player offences and the remaining ban time
// they imply. Expired records are evicted lazily on query.
type ViolationService struct {
	sync.Mutex
	logger *zap.Logger
	// Ban duration by offence count; the last entry applies to all higher
	// counts. A zero duration is a warning without a ban.
	banDurations []time.Duration
	// A record whose ban expired more than resetAfter ago no longer
	// escalates the next offence.
	resetAfter time.Duration
	violations map[int]*Violation
	nowFn      func() time.Time
}

func NewViolationService(logger *zap.Logger, banDurations []time.Duration, resetAfter time.Duration) *ViolationService {
	if len(banDurations) == 0 {
		banDurations = []time.Duration{0, 10 * time.Minute, 30 * time.Minute}
	}
	return &ViolationService{
		logger:       logger,
		banDurations: banDurations,
		resetAfter:   resetAfter,
		violations:   make(map[int]*Violation),
		nowFn:        time.Now,
	}
}

func (s *ViolationService) banDuration(count int) time.Duration {
	if count < 1 {
		return 0
	}
	if count > len(s.banDurations) {
		return s.banDurations[len(s.banDurations)-1]
	}
	return s.banDurations[count-1]
}

// BanExpiresAt reports when the ban implied by the violation ends.
func (s *ViolationService) BanExpiresAt(v *Violation) time.Time {
	return v.Time.Add(s.banDuration(v.Count))
}

// GetViolations returns the active violations among the given players,
// evicting stale records as it goes.
func (s *ViolationService) GetViolations(players []*Player) map[*Player]*Violation {
	s.Lock()
	defer s.Unlock()

	now := s.nowFn()
	active := make(map[*Player]*Violation)
	for _, p := range players {
		v, ok := s.violations[p.ID]
		if !ok {
			continue
		}
		expiresAt := s.BanExpiresAt(v)
		if expiresAt.After(now) {
			active[p] = v
			continue
		}
		if now.Sub(expiresAt) > s.resetAfter {
			delete(s.violations, p.ID)
		}
	}
	return active
}

// RegisterViolations records an offence for each player, escalating the
// count for repeat offenders whose previous record has not yet reset.
func (s *ViolationService) RegisterViolations(players []*Player) {
	s.Lock()
	defer s.Unlock()

	now := s.nowFn()
	for _, p := range players {
		v, ok := s.violations[p.ID]
		if ok && now.Sub(s.BanExpiresAt(v)) <= s.resetAfter {
			v.Count++
			v.Time = now
		} else {
			v = &Violation{Count: 1, Time: now}
			s.violations[p.ID] = v
		}
		s.logger.Info("Player violation registered",
			zap.String("login", p.Login),
			zap.Int("count", v.Count),
			zap.Time("ban_expires_at", s.BanExpiresAt(v)))
	}
}
