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
	"sync"
	"time"

	"go.uber.org/zap"
)

// PopTimer paces the pop loop for all queues: busy queues pop frequently,
// cold queues still pop periodically.
//
// The interval policy is base / (1 + n/playersPerInterval) for n active
// players across all queues, clamped to [min, max]. It is monotonically
// non-increasing in n and degrades to max on empty queues.
type PopTimer struct {
	mu                 sync.Mutex
	logger             *zap.Logger
	base               time.Duration
	min                time.Duration
	max                time.Duration
	playersPerInterval int

	queues  []*MatchmakerQueue
	lastPop time.Time
	kick    chan struct{}
}

func NewPopTimer(logger *zap.Logger, base, min, max time.Duration, playersPerInterval int) *PopTimer {
	if playersPerInterval < 1 {
		playersPerInterval = 1
	}
	return &PopTimer{
		logger:             logger,
		base:               base,
		min:                min,
		max:                max,
		playersPerInterval: playersPerInterval,
		lastPop:            time.Now(),
		kick:               make(chan struct{}, 1),
	}
}

// SetQueues replaces the queue list the timer reads its combined depth from.
func (t *PopTimer) SetQueues(queues []*MatchmakerQueue) {
	t.mu.Lock()
	t.queues = queues
	t.mu.Unlock()
}

// Kick asks the timer to re-evaluate its interval, used when a search lands
// in a previously empty queue.
func (t *PopTimer) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *PopTimer) numPlayers() int {
	t.mu.Lock()
	queues := t.queues
	t.mu.Unlock()
	count := 0
	for _, q := range queues {
		count += q.NumPlayers()
	}
	return count
}

// Interval computes the time between pops for the current combined depth.
func (t *PopTimer) Interval() time.Duration {
	n := t.numPlayers()
	interval := time.Duration(float64(t.base) / (1.0 + float64(n)/float64(t.playersPerInterval)))
	if interval < t.min {
		interval = t.min
	}
	if interval > t.max {
		interval = t.max
	}
	return interval
}

// NextPop blocks until the next scheduled pop instant or until the context
// is cancelled. A kick re-evaluates the deadline without popping early.
func (t *PopTimer) NextPop(ctx context.Context) error {
	for {
		t.mu.Lock()
		lastPop := t.lastPop
		t.mu.Unlock()

		deadline := lastPop.Add(t.Interval())
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.kick:
			timer.Stop()
			// Depth changed; loop to recompute the deadline.
		case <-timer.C:
		}
		if time.Now().Before(deadline) {
			continue
		}
		break
	}

	t.mu.Lock()
	t.lastPop = time.Now()
	t.mu.Unlock()
	t.logger.Debug("Queues popping", zap.Int("players", t.numPlayers()))
	return nil
}
