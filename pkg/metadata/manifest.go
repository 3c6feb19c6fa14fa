// Package metadata describes a backup: identity, origin host, components and per-file checksums.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
)

// ManifestName is the fixed member name of the manifest inside a backup.
const ManifestName = "manifest.json"

const (
	BackupTypeFull        = "full"
	BackupTypeIncremental = "incremental"
)

// TimestampFormat is ISO-8601 with microseconds and zone offset.
const TimestampFormat = "2006-01-02T15:04:05.000000-07:00"

// Manifest is written once per backup run and read-only afterwards.
type Manifest struct {
	BackupID        string            `json:"backup_id"`
	BackupType      string            `json:"backup_type"`
	ParentBackupID  *string           `json:"parent_backup_id"`
	Timestamp       string            `json:"timestamp"`
	Hostname        string            `json:"hostname"`
	KernelVersion   string            `json:"kernel_version"`
	ToolVersion     string            `json:"tool_version"`
	Compression     string            `json:"compression"`
	Components      Components        `json:"components"`
	ExcludePatterns []string          `json:"exclude_patterns"`
	Checksums       map[string]string `json:"checksums"`
}

// New stamps a fresh manifest for the current host.
func New(backupType, compression string, excludePatterns []string, parentID *string, toolVersion string) (*Manifest, error) {
	if backupType != BackupTypeFull && backupType != BackupTypeIncremental {
		return nil, fmt.Errorf("unknown backup type %q", backupType)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("can't generate backup id: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("can't get hostname: %w", err)
	}
	kernel, err := host.KernelVersion()
	if err != nil {
		log.Warn().Err(err).Msg("can't detect kernel version")
		kernel = "unknown"
	}
	patterns := make([]string, len(excludePatterns))
	copy(patterns, excludePatterns)
	return &Manifest{
		BackupID:        id.String(),
		BackupType:      backupType,
		ParentBackupID:  parentID,
		Timestamp:       time.Now().Format(TimestampFormat),
		Hostname:        hostname,
		KernelVersion:   kernel,
		ToolVersion:     toolVersion,
		Compression:     compression,
		Components:      Components{},
		ExcludePatterns: patterns,
		Checksums:       map[string]string{},
	}, nil
}

// AddComponent inserts or replaces one component summary.
func (m *Manifest) AddComponent(name string, summary Component) {
	if m.Components == nil {
		m.Components = Components{}
	}
	m.Components[name] = summary
}

// AddChecksum records the SHA-256 of one archive-relative path.
func (m *Manifest) AddChecksum(path, checksum string) {
	if m.Checksums == nil {
		m.Checksums = map[string]string{}
	}
	m.Checksums[filepath.ToSlash(path)] = checksum
}

// Time parses Timestamp. Timestamps without a zone are read as local time.
func (m *Manifest) Time() (time.Time, error) {
	for _, layout := range []string{TimestampFormat, time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, m.Timestamp, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("can't parse timestamp %q", m.Timestamp)
}

// Save writes ManifestName into dir.
func (m *Manifest) Save(dir string) error {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshall manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), body, 0o640); err != nil {
		return fmt.Errorf("can't save manifest: %w", err)
	}
	return nil
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data, path)
}

// Decode parses manifest JSON. Unknown fields are ignored and the legacy `bread_version`
// key stands in for tool_version.
func Decode(data []byte, source string) (*Manifest, error) {
	var payload struct {
		Manifest
		LegacyVersion string `json:"bread_version"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	m := payload.Manifest
	if m.BackupID == "" {
		return nil, &DecodeError{Source: source, Err: fmt.Errorf("backup_id is missing")}
	}
	if m.ToolVersion == "" {
		m.ToolVersion = payload.LegacyVersion
	}
	if m.Components == nil {
		m.Components = Components{}
	}
	if m.Checksums == nil {
		m.Checksums = map[string]string{}
	}
	if m.ExcludePatterns == nil {
		m.ExcludePatterns = []string{}
	}
	log.Debug().Str("source", source).Str("backup_id", m.BackupID).Msg("manifest loaded")
	return &m, nil
}
