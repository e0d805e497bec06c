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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/meridiem-games/lobby/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)
	rand.Seed(time.Now().UnixNano())

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(semver)
		return
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Lobby matchmaker starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	db := server.DbConnect(startupLogger, config)

	// Start up server components.
	store := server.NewSQLStore(logger, db, server.DisabledMapGenerator(logger))
	metrics := server.NewLocalMetrics(logger, config)
	violations := server.NewViolationService(logger, banDurations(config), violationReset(config))
	gameService := server.NewLocalGameService()
	launcher := server.NewMatchLauncher(logger, config, store, gameService, violations, metrics)
	ladder := server.NewLadderService(logger, config, store, violations, metrics, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	ladder.Start(ctx)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	<-c
	startupLogger.Info("Shutting down")

	cancel()
	metrics.Stop(logger)
	if err := db.Close(); err != nil {
		logger.Error("Error closing database connection", zap.Error(err))
	}

	os.Exit(0)
}

func banDurations(config server.Config) []time.Duration {
	bans := config.GetMatchmaker().ViolationBansSec
	durations := make([]time.Duration, 0, len(bans))
	for _, sec := range bans {
		durations = append(durations, time.Duration(sec)*time.Second)
	}
	return durations
}

func violationReset(config server.Config) time.Duration {
	return time.Duration(config.GetMatchmaker().ViolationResetSec) * time.Second
}
