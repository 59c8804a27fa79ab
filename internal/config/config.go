// Package config loads the server's YAML configuration using
// gopkg.in/yaml.v2, with a reload-by-version discipline so a running
// node can pick up an edited config file without restarting.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// MemberConfig describes one configured replica-set member.
type MemberConfig struct {
	ID             int    `yaml:"id"`
	Host           string `yaml:"host"`
	Priority       float64 `yaml:"priority"`
	ArbiterOnly    bool   `yaml:"arbiterOnly"`
	Hidden         bool   `yaml:"hidden"`
	BuildIndexes   bool   `yaml:"buildIndexes"`
	SlaveDelaySecs int    `yaml:"slaveDelaySecs"`
	Votes          int    `yaml:"votes"`
}

// ArchivalConfig selects and parameterizes an oplog-partition archival
// backend.
type ArchivalConfig struct {
	Backend     string `yaml:"backend"` // "", "s3", "azure", "minio"
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	Compression string `yaml:"compression"` // "snappy", "s2", "lz4", "gzip"
}

// Config is the full node configuration.
type Config struct {
	Version int    `yaml:"version"`
	SetName string `yaml:"setName"`
	NodeID  int    `yaml:"nodeId"`

	Members          []MemberConfig `yaml:"members"`
	ChainingAllowed  bool           `yaml:"chainingAllowed"`

	HeartbeatIntervalMS int `yaml:"heartbeatIntervalMs"`
	ElectionTimeoutMS   int `yaml:"electionTimeoutMs"`

	SyncSourceLagWindow time.Duration `yaml:"syncSourceLagWindow"`
	QueueHighWaterMark  int           `yaml:"queueHighWaterMark"`
	QueueLowWaterMark   int           `yaml:"queueLowWaterMark"`

	OplogPartitionThreshold time.Duration `yaml:"oplogPartitionThreshold"`
	OplogExpireAfter        time.Duration `yaml:"oplogExpireAfter"`

	MigrationCriticalSectionTimeout time.Duration `yaml:"migrationCriticalSectionTimeout"`
	MigrationSteadyTimeout          time.Duration `yaml:"migrationSteadyTimeout"`
	MigrationSideLogMaxBytes        int64         `yaml:"migrationSideLogMaxBytes"`

	Archival ArchivalConfig `yaml:"archival"`
}

// Defaults returns a config with every documented default filled in, so tests
// and small deployments need only set setName/members.
func Defaults() Config {
	return Config{
		Version:                 1,
		HeartbeatIntervalMS:     2000,
		ElectionTimeoutMS:       10000,
		SyncSourceLagWindow:     30 * time.Second,
		QueueHighWaterMark:      20000,
		QueueLowWaterMark:       10000,
		OplogPartitionThreshold: time.Hour,
		OplogExpireAfter:        24 * time.Hour,
		MigrationCriticalSectionTimeout: 300 * time.Second,
		MigrationSteadyTimeout:          900 * time.Second,
		MigrationSideLogMaxBytes:        500 * 1024 * 1024,
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Defaults().
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if cfg.SetName == "" {
		return nil, errors.New("config: setName is required")
	}
	return &cfg, nil
}

// Reload validates that candidate supersedes current
// replSetReconfig ("new config version must exceed current").
func Reload(current, candidate *Config) error {
	if candidate.Version <= current.Version {
		return errors.Errorf("config: new version %d must exceed current %d",
			candidate.Version, current.Version)
	}
	return nil
}

// Majority returns the number of votes required for a majority of the
// configured voting (non-arbiter-excluded, Votes>0) members.
func (c Config) Majority() int {
	votes := 0
	for _, m := range c.Members {
		if m.Votes > 0 {
			votes++
		}
	}
	return votes/2 + 1
}
