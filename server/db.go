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
	"errors"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
)

func DbConnect(multiLogger *zap.Logger, config Config) *sql.DB {
	dbConfig := config.GetDatabase()
	multiLogger.Info("Database connection", zap.String("address", dbConfig.Address))

	db, err := sql.Open("pgx", dbConfig.Address)
	if err != nil {
		multiLogger.Fatal("Error connecting to database", zap.Error(err))
	}
	db.SetMaxOpenConns(dbConfig.MaxOpenConns)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetimeMs) * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		multiLogger.Fatal("Error pinging database", zap.Error(err))
	}
	return db
}

// isRetryableDBError reports whether the query can be retried safely:
// serialization failures and deadlocks roll the transaction back cleanly.
func isRetryableDBError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
