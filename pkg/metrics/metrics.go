// Package metrics describes the last run in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const namespace = "bread_backup"

// CommandList are the commands measured by ExecuteWithMetrics.
var CommandList = []string{"backup", "restore", "verify", "delete", "clean"}

type RunMetrics struct {
	registry *prometheus.Registry

	LastStart    map[string]prometheus.Gauge
	LastFinish   map[string]prometheus.Gauge
	LastDuration map[string]prometheus.Gauge
	LastStatus   map[string]prometheus.Gauge

	LastBackupSize             prometheus.Gauge
	LastBackupFiles            prometheus.Gauge
	LastBackupSkippedFiles     prometheus.Gauge
	LastBackupPackages         prometheus.Gauge
	NumberBackupsLocal         prometheus.Gauge
	NumberBackupsLocalExpected prometheus.Gauge

	logger zerolog.Logger
}

func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry:     prometheus.NewRegistry(),
		LastStart:    map[string]prometheus.Gauge{},
		LastFinish:   map[string]prometheus.Gauge{},
		LastDuration: map[string]prometheus.Gauge{},
		LastStatus:   map[string]prometheus.Gauge{},
		logger:       log.With().Str("logger", "metrics").Logger(),
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		m.registry.MustRegister(g)
		return g
	}
	for _, command := range CommandList {
		m.LastStart[command] = gauge(fmt.Sprintf("last_%s_start", command), fmt.Sprintf("Last %s start timestamp", command))
		m.LastFinish[command] = gauge(fmt.Sprintf("last_%s_finish", command), fmt.Sprintf("Last %s finish timestamp", command))
		m.LastDuration[command] = gauge(fmt.Sprintf("last_%s_duration", command), fmt.Sprintf("Last %s duration in nanoseconds", command))
		m.LastStatus[command] = gauge(fmt.Sprintf("last_%s_status", command), fmt.Sprintf("Last %s status: 0=failed, 1=success, 2=unknown", command))
		m.LastStatus[command].Set(2)
	}
	m.LastBackupSize = gauge("last_backup_size_bytes", "Size of the last written backup file in bytes")
	m.LastBackupFiles = gauge("last_backup_files", "Configuration files collected by the last backup")
	m.LastBackupSkippedFiles = gauge("last_backup_skipped_files", "Configuration files skipped by the last backup")
	m.LastBackupPackages = gauge("last_backup_packages", "Installed packages recorded by the last backup")
	m.NumberBackupsLocal = gauge("number_backups_local", "Number of backups in the destination")
	m.NumberBackupsLocalExpected = gauge("number_backups_local_expected", "How many backups are kept by retention, 0 means all")
	return m
}

func (m *RunMetrics) Start(command string, startTime time.Time) {
	if g, exists := m.LastStart[command]; exists {
		g.Set(float64(startTime.Unix()))
	} else {
		m.logger.Warn().Msgf("%s not found in LastStart metrics", command)
	}
}

func (m *RunMetrics) Finish(command string, startTime time.Time) {
	if g, exists := m.LastFinish[command]; exists {
		m.LastDuration[command].Set(float64(time.Since(startTime).Nanoseconds()))
		g.Set(float64(time.Now().Unix()))
	} else {
		m.logger.Warn().Msgf("%s not found in LastFinish metrics", command)
	}
}

func (m *RunMetrics) Success(command string) {
	if g, exists := m.LastStatus[command]; exists {
		g.Set(1)
	}
}

func (m *RunMetrics) Failure(command string) {
	if g, exists := m.LastStatus[command]; exists {
		g.Set(0)
	}
}

func (m *RunMetrics) ExecuteWithMetrics(command string, f func() error) error {
	startTime := time.Now()
	m.Start(command, startTime)
	err := f()
	m.Finish(command, startTime)
	if err != nil {
		m.Failure(command)
	} else {
		m.Success(command)
	}
	return err
}

// WriteTextfile atomically replaces path with the current values. Empty path is a no-op.
func (m *RunMetrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("can't create %s: %w", filepath.Dir(path), err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("can't write metrics to %s: %w", path, err)
	}
	m.logger.Debug().Str("path", path).Msg("metrics written")
	return nil
}
