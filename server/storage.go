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
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

type MapPoolAssignment struct {
	MapPoolID int
	MinRating *float64
	MaxRating *float64
}

type QueueInfo struct {
	ID            int
	TechnicalName string
	TeamSize      int
	Params        map[string]interface{}
	FeaturedMod   string
	RatingType    string
	MapPools      []MapPoolAssignment
}

type MapPoolInfo struct {
	ID      int
	Name    string
	Entries []MapEntry
}

type RatingJournalRow struct {
	MeanBefore      float64
	DeviationBefore float64
}

// Store is the persistence surface the matchmaker reads from. It is
// read-only; game results are written by other services.
type Store interface {
	FetchMatchmakerQueues(ctx context.Context) (map[string]QueueInfo, error)
	FetchMapPools(ctx context.Context) (map[int]MapPoolInfo, error)
	FetchRatingJournal(ctx context.Context, ratingType string, limit int) ([]RatingJournalRow, error)
	// FetchGameHistory returns the map version ids of the players' recent
	// games in the given queue, most recent first.
	FetchGameHistory(ctx context.Context, players []*Player, queueID int, limit int) ([]int, error)
}

// SQLStore reads matchmaker definitions and history from the lobby database.
type SQLStore struct {
	logger    *zap.Logger
	db        *sql.DB
	generator MapGenerator
}

func NewSQLStore(logger *zap.Logger, db *sql.DB, generator MapGenerator) *SQLStore {
	return &SQLStore{logger: logger, db: db, generator: generator}
}

func (s *SQLStore) FetchMatchmakerQueues(ctx context.Context) (map[string]QueueInfo, error) {
	query := `
SELECT
	mq.id, mq.technical_name, mq.team_size, mq.params,
	fm.gamemod, lb.technical_name,
	mqmp.map_pool_id, mqmp.min_rating, mqmp.max_rating
FROM matchmaker_queue mq
JOIN matchmaker_queue_map_pool mqmp ON mqmp.matchmaker_queue_id = mq.id
JOIN "game_featuredMods" fm ON fm.id = mq.featured_mod_id
JOIN leaderboard lb ON lb.id = mq.leaderboard_id
WHERE mq.enabled`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	queues := make(map[string]QueueInfo)
	errored := make(map[string]struct{})
	for rows.Next() {
		var (
			id                   int
			technicalName        string
			teamSize             int
			rawParams            sql.NullString
			featuredMod          string
			ratingType           string
			mapPoolID            int
			minRating, maxRating sql.NullFloat64
		)
		if err := rows.Scan(&id, &technicalName, &teamSize, &rawParams, &featuredMod, &ratingType, &mapPoolID, &minRating, &maxRating); err != nil {
			return nil, err
		}
		if _, bad := errored[technicalName]; bad {
			continue
		}

		info, ok := queues[technicalName]
		if !ok {
			var params map[string]interface{}
			if rawParams.Valid && rawParams.String != "" {
				if err := json.Unmarshal([]byte(rawParams.String), &params); err != nil {
					// A malformed queue row must not take the rest down.
					s.logger.Error("Unparseable matchmaker queue params, skipping queue",
						zap.String("queue", technicalName), zap.Error(err))
					errored[technicalName] = struct{}{}
					continue
				}
			}
			info = QueueInfo{
				ID:            id,
				TechnicalName: technicalName,
				TeamSize:      teamSize,
				Params:        params,
				FeaturedMod:   featuredMod,
				RatingType:    ratingType,
			}
		}
		info.MapPools = append(info.MapPools, MapPoolAssignment{
			MapPoolID: mapPoolID,
			MinRating: nullFloat(minRating),
			MaxRating: nullFloat(maxRating),
		})
		queues[technicalName] = info
	}
	return queues, rows.Err()
}

func (s *SQLStore) FetchMapPools(ctx context.Context) (map[int]MapPoolInfo, error) {
	query := `
SELECT
	mp.id, mp.name,
	mpmv.weight, mpmv.map_params,
	mv.id, mv.filename, m.display_name
FROM map_pool mp
LEFT JOIN map_pool_map_version mpmv ON mpmv.map_pool_id = mp.id
LEFT JOIN map_version mv ON mv.id = mpmv.map_version_id
LEFT JOIN map m ON m.id = mv.map_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pools := make(map[int]MapPoolInfo)
	for rows.Next() {
		var (
			poolID      int
			poolName    string
			weight      sql.NullInt64
			mapParams   sql.NullString
			mapID       sql.NullInt64
			fileName    sql.NullString
			displayName sql.NullString
		)
		if err := rows.Scan(&poolID, &poolName, &weight, &mapParams, &mapID, &fileName, &displayName); err != nil {
			return nil, err
		}

		pool, ok := pools[poolID]
		if !ok {
			pool = MapPoolInfo{ID: poolID, Name: poolName}
		}

		switch {
		case mapID.Valid:
			pool.Entries = append(pool.Entries, &MapVersion{
				ID:          int(mapID.Int64),
				DisplayName: displayName.String,
				FileName:    fileName.String,
				Weight:      int(weight.Int64),
			})
		case mapParams.Valid && mapParams.String != "":
			entry, err := s.generatedEntry(mapParams.String, int(weight.Int64))
			if err != nil {
				s.logger.Warn("Unusable map pool entry skipped",
					zap.Int("pool", poolID), zap.Error(err))
			} else {
				pool.Entries = append(pool.Entries, entry)
			}
		default:
			// Pool row without a map version or generator params; the pool
			// itself still exists, just empty so far.
		}
		pools[poolID] = pool
	}
	return pools, rows.Err()
}

func (s *SQLStore) generatedEntry(rawParams string, weight int) (MapEntry, error) {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(rawParams), &params); err != nil {
		return nil, fmt.Errorf("map params: %w", err)
	}
	if kind, _ := params["type"].(string); kind != "neroxis" {
		return nil, fmt.Errorf("unknown map generator type %q", params["type"])
	}
	return &GeneratedMap{Params: params, Weight: weight, Generate: s.generator}, nil
}

func (s *SQLStore) FetchRatingJournal(ctx context.Context, ratingType string, limit int) ([]RatingJournalRow, error) {
	query := `
SELECT j.rating_mean_before, j.rating_deviation_before
FROM leaderboard_rating_journal j
JOIN leaderboard lb ON lb.id = j.leaderboard_id
WHERE lb.technical_name = $1
ORDER BY j.id DESC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, ratingType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journal []RatingJournalRow
	for rows.Next() {
		var row RatingJournalRow
		if err := rows.Scan(&row.MeanBefore, &row.DeviationBefore); err != nil {
			return nil, err
		}
		journal = append(journal, row)
	}
	return journal, rows.Err()
}

func (s *SQLStore) FetchGameHistory(ctx context.Context, players []*Player, queueID int, limit int) ([]int, error) {
	query := `
SELECT gs.map_id
FROM game_stats gs
JOIN game_player_stats gps ON gps.game_id = gs.id
WHERE gps.player_id = $1
	AND gs.matchmaker_queue_id = $2
	AND gs.start_time >= NOW() - INTERVAL '1 day'
ORDER BY gs.start_time DESC, gs.id DESC
LIMIT $3`

	var history []int
	for _, p := range players {
		rows, err := s.db.QueryContext(ctx, query, p.ID, queueID, limit)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var mapID int
			if err := rows.Scan(&mapID); err != nil {
				rows.Close()
				return nil, err
			}
			history = append(history, mapID)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return history, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
