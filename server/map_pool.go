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
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"
)

var ErrEmptyMapPool = errors.New("map pool is empty")

// MapEntry is either a concrete map version or a descriptor for a
// procedurally generated map that resolves to a filename on selection.
type MapEntry interface {
	// EntryID is the map version id, or 0 for generated maps which never
	// appear in a player's game history.
	EntryID() int
	EntryWeight() int
	// FilePath resolves the entry to a launchable map path.
	FilePath() (string, error)
}

// MapVersion is a concrete map stored in the content system.
type MapVersion struct {
	ID          int
	DisplayName string
	FileName    string
	Weight      int
}

func (m *MapVersion) EntryID() int     { return m.ID }
func (m *MapVersion) EntryWeight() int { return m.Weight }

func (m *MapVersion) FilePath() (string, error) {
	return m.FileName, nil
}

// MapGenerator produces a concrete map file from generator parameters. The
// generation contract is opaque to this core.
type MapGenerator func(params map[string]interface{}) (string, error)

// DisabledMapGenerator is the generator hook for deployments without a map
// generator service. Every request fails with a logged warning instead of
// leaving pools with a nil hook.
func DisabledMapGenerator(logger *zap.Logger) MapGenerator {
	return func(params map[string]interface{}) (string, error) {
		logger.Warn("Map generation requested but no generator service is configured", zap.Any("params", params))
		return "", errors.New("map generation is not configured")
	}
}

// GeneratedMap is a procedurally-generated-map descriptor.
type GeneratedMap struct {
	Params   map[string]interface{}
	Weight   int
	Generate MapGenerator
}

func (m *GeneratedMap) EntryID() int     { return 0 }
func (m *GeneratedMap) EntryWeight() int { return m.Weight }

func (m *GeneratedMap) FilePath() (string, error) {
	if m.Generate == nil {
		return "", fmt.Errorf("generated map %v has no generator", m.Params)
	}
	return m.Generate(m.Params)
}

type MapPool struct {
	ID      int
	Name    string
	Entries []MapEntry
}

func NewMapPool(id int, name string, entries []MapEntry) *MapPool {
	return &MapPool{ID: id, Name: name, Entries: entries}
}

// ChooseMap picks a map biased away from recently played ones. Entries are
// penalised by the number of times their id occurs in recentMapIDs, only the
// least-penalised entries stay eligible, then one is sampled with
// probability proportional to its weight.
func (p *MapPool) ChooseMap(recentMapIDs []int) (MapEntry, error) {
	if len(p.Entries) == 0 {
		return nil, ErrEmptyMapPool
	}

	occurrences := make(map[int]int, len(recentMapIDs))
	for _, id := range recentMapIDs {
		occurrences[id]++
	}

	minPenalty := -1
	penalties := make([]int, len(p.Entries))
	for i, entry := range p.Entries {
		penalty := occurrences[entry.EntryID()]
		penalties[i] = penalty
		if minPenalty < 0 || penalty < minPenalty {
			minPenalty = penalty
		}
	}

	var eligible []MapEntry
	totalWeight := 0
	for i, entry := range p.Entries {
		if penalties[i] != minPenalty {
			continue
		}
		eligible = append(eligible, entry)
		totalWeight += entry.EntryWeight()
	}
	if totalWeight <= 0 {
		return nil, ErrEmptyMapPool
	}

	pick := rand.Intn(totalWeight)
	for _, entry := range eligible {
		pick -= entry.EntryWeight()
		if pick < 0 {
			return entry, nil
		}
	}
	// Unreachable while weights are >= 1.
	return eligible[len(eligible)-1], nil
}
