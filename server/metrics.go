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
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MatchLaunchOutcome labels the terminal state of a launch attempt.
type MatchLaunchOutcome string

const (
	MatchLaunchSuccessful      MatchLaunchOutcome = "SUCCESSFUL"
	MatchLaunchTimedOut        MatchLaunchOutcome = "TIMED_OUT"
	MatchLaunchAbortedByPlayer MatchLaunchOutcome = "ABORTED_BY_PLAYER"
	MatchLaunchErrored         MatchLaunchOutcome = "ERRORED"
)

type Metrics interface {
	Match(queueName string, outcome MatchLaunchOutcome)
	RatingPeak(ratingType string, value float64)
	PopIteration(players int, processTime time.Duration)
	Stop(logger *zap.Logger)
}

// LocalMetrics exposes matchmaker counters over a Prometheus scrape endpoint.
type LocalMetrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	server   *http.Server

	matches         *prometheus.CounterVec
	ratingPeaks     *prometheus.GaugeVec
	players         prometheus.Gauge
	processDuration prometheus.Histogram
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matches",
			Help: "Number of launched matches by queue and outcome.",
		}, []string{"queue", "outcome"}),
		ratingPeaks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "leaderboard_rating_peak",
			Help: "Estimated peak displayed rating per rating type.",
		}, []string{"rating_type"}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchmaker_players",
			Help: "Players queued across all matchmaker queues at the last pop.",
		}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchmaker_process_duration_seconds",
			Help:    "Time spent finding and finalising matches per pop.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.matches, m.ratingPeaks, m.players, m.processDuration)

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	m.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.GetMetrics().Port),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Handler:      handlerWithCORS,
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", config.GetMetrics().Port))
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server listener failed", zap.Error(err))
		}
	}()
	return m
}

func (m *LocalMetrics) Match(queueName string, outcome MatchLaunchOutcome) {
	m.matches.WithLabelValues(queueName, string(outcome)).Inc()
}

func (m *LocalMetrics) RatingPeak(ratingType string, value float64) {
	m.ratingPeaks.WithLabelValues(ratingType).Set(value)
}

func (m *LocalMetrics) PopIteration(players int, processTime time.Duration) {
	m.players.Set(float64(players))
	m.processDuration.Observe(processTime.Seconds())
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
