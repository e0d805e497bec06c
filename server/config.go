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
	"flag"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the matchmaker server configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetLogger() *LoggerConfig
	GetDatabase() *DatabaseConfig
	GetMatchmaker() *MatchmakerConfig
	GetMetrics() *MetricsConfig
}

func ParseArgs(tmpLogger *zap.Logger, args []string) Config {
	config := NewConfig()

	flagSet := flag.NewFlagSet("lobby", flag.ExitOnError)
	configPath := flagSet.String("config", "", "The absolute file path to the configuration YAML file.")
	flagSet.StringVar(&config.Name, "name", config.Name, "Server node name, must be unique.")
	flagSet.StringVar(&config.Datadir, "data_dir", config.Datadir, "An absolute path to a writeable folder where the server stores its data.")
	flagSet.StringVar(&config.Logger.Level, "logger.level", config.Logger.Level, "Minimum log level to produce.")
	flagSet.StringVar(&config.Database.Address, "database.address", config.Database.Address, "Address of the lobby database.")
	flagSet.IntVar(&config.Metrics.Port, "metrics.port", config.Metrics.Port, "Port to expose the Prometheus scrape endpoint on.")
	if err := flagSet.Parse(args[1:]); err != nil {
		tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			tmpLogger.Fatal("Could not read config file", zap.String("path", *configPath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			tmpLogger.Fatal("Could not parse config file", zap.String("path", *configPath), zap.Error(err))
		}
		config.Config = *configPath
		// Command line overrides win over the file.
		if err := flagSet.Parse(args[1:]); err != nil {
			tmpLogger.Fatal("Could not parse command line arguments", zap.Error(err))
		}
	}

	return config
}

type config struct {
	Name       string            `yaml:"name" json:"name"`
	Config     string            `yaml:"config" json:"config"`
	Datadir    string            `yaml:"data_dir" json:"data_dir"`
	Logger     *LoggerConfig     `yaml:"logger" json:"logger"`
	Database   *DatabaseConfig   `yaml:"database" json:"database"`
	Matchmaker *MatchmakerConfig `yaml:"matchmaker" json:"matchmaker"`
	Metrics    *MetricsConfig    `yaml:"metrics" json:"metrics"`
}

// NewConfig constructs a config with default values.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	nodeName := "lobby-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3]
	return &config{
		Name:       nodeName,
		Datadir:    filepath.Join(cwd, "data"),
		Logger:     NewLoggerConfig(),
		Database:   NewDatabaseConfig(),
		Matchmaker: NewMatchmakerConfig(),
		Metrics:    NewMetricsConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetMatchmaker() *MatchmakerConfig {
	return c.Matchmaker
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level    string `yaml:"level" json:"level"`
	Stdout   bool   `yaml:"stdout" json:"stdout"`
	File     string `yaml:"file" json:"file"`
	Rotation bool   `yaml:"rotation" json:"rotation"`
	// Rotation settings below only apply when rotation is enabled.
	MaxSize    int  `yaml:"max_size" json:"max_size"`
	MaxAge     int  `yaml:"max_age" json:"max_age"`
	MaxBackups int  `yaml:"max_backups" json:"max_backups"`
	LocalTime  bool `yaml:"local_time" json:"local_time"`
	Compress   bool `yaml:"compress" json:"compress"`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
	}
}

// DatabaseConfig is configuration for the lobby database connection.
type DatabaseConfig struct {
	Address           string `yaml:"address" json:"address"`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms"`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           "postgres://lobby@localhost:5432/lobby",
		MaxOpenConns:      10,
		MaxIdleConns:      10,
		ConnMaxLifetimeMs: 3600000,
	}
}

// MatchmakerConfig tunes the queue pop pacing, the anti-repetition window for
// map selection, and the violation ban policy.
type MatchmakerConfig struct {
	AntiRepetitionLimit   int   `yaml:"anti_repetition_limit" json:"anti_repetition_limit"`
	RefreshIntervalSec    int   `yaml:"refresh_interval_sec" json:"refresh_interval_sec"`
	PopBaseSec            int   `yaml:"pop_base_sec" json:"pop_base_sec"`
	PopMinSec             int   `yaml:"pop_min_sec" json:"pop_min_sec"`
	PopMaxSec             int   `yaml:"pop_max_sec" json:"pop_max_sec"`
	PopPlayersPerInterval int   `yaml:"pop_players_per_interval" json:"pop_players_per_interval"`
	ViolationBansSec      []int `yaml:"violation_bans_sec" json:"violation_bans_sec"`
	ViolationResetSec     int   `yaml:"violation_reset_sec" json:"violation_reset_sec"`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		AntiRepetitionLimit:   3,
		RefreshIntervalSec:    600,
		PopBaseSec:            90,
		PopMinSec:             30,
		PopMaxSec:             180,
		PopPlayersPerInterval: 30,
		ViolationBansSec:      []int{0, 600, 1800},
		ViolationResetSec:     3600,
	}
}

// MetricsConfig is configuration for the Prometheus scrape endpoint.
type MetricsConfig struct {
	Port int `yaml:"port" json:"port"`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Port: 8011,
	}
}
