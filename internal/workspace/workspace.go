// Package workspace locates the project root and loads governance
// configuration. A workspace is any directory tree with a .noesis/ marker at
// its root; the marker directory also holds the store, journal, audit log
// and per-project transaction record.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"noesis/internal/calibration"
	"noesis/internal/persist"
	"noesis/internal/store"
	"noesis/internal/trust"
	"noesis/internal/txn"
)

// MarkerDir is the workspace marker directory.
const MarkerDir = ".noesis"

// ConfigFileName is the optional config file inside the marker directory.
const ConfigFileName = "config.yaml"

// Config is the workspace-level governance configuration. Every field is
// optional; zero values take the package defaults.
type Config struct {
	DBPath      string `yaml:"db_path" json:"db_path"`
	JournalPath string `yaml:"journal_path" json:"journal_path"`
	AuditPath   string `yaml:"audit_path" json:"audit_path"`

	KnowledgeThreshold float64 `yaml:"knowledge_threshold" json:"knowledge_threshold"`
	UncertaintyCeiling float64 `yaml:"uncertainty_ceiling" json:"uncertainty_ceiling"`
	AutonomyFactor     float64 `yaml:"autonomy_factor" json:"autonomy_factor"`

	CalibrationWindow int `yaml:"calibration_window" json:"calibration_window"`
	TrustTTLSeconds   int `yaml:"trust_ttl_seconds" json:"trust_ttl_seconds"`
	OrphanMaxAgeHours int `yaml:"orphan_max_age_hours" json:"orphan_max_age_hours"`
}

// ApplyDefaults fills absent fields.
func (c *Config) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = store.DefaultDBPath
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(MarkerDir, "journal")
	}
	if c.AuditPath == "" {
		c.AuditPath = persist.DefaultAuditPath
	}
	if c.KnowledgeThreshold == 0 {
		c.KnowledgeThreshold = trust.DefaultKnowledgeBase
	}
	if c.UncertaintyCeiling == 0 {
		c.UncertaintyCeiling = trust.DefaultUncertaintyBase
	}
	if c.AutonomyFactor == 0 {
		c.AutonomyFactor = trust.DefaultAutonomyFactor
	}
	if c.CalibrationWindow == 0 {
		c.CalibrationWindow = calibration.DefaultWindow
	}
	if c.TrustTTLSeconds == 0 {
		c.TrustTTLSeconds = int(trust.DefaultTTL / time.Second)
	}
	if c.OrphanMaxAgeHours == 0 {
		c.OrphanMaxAgeHours = int(txn.DefaultOrphanMaxAge / time.Hour)
	}
}

// TrustTTL returns the trust cache TTL as a duration.
func (c *Config) TrustTTL() time.Duration {
	return time.Duration(c.TrustTTLSeconds) * time.Second
}

// OrphanMaxAge returns the orphan cutoff as a duration.
func (c *Config) OrphanMaxAge() time.Duration {
	return time.Duration(c.OrphanMaxAgeHours) * time.Hour
}

// Workspace is one located project root with its effective configuration.
type Workspace struct {
	Root   string
	Config Config
}

// ProjectID identifies the project for transaction scoping. The absolute
// root path is the identity: stable across sessions, unique per checkout.
func (w *Workspace) ProjectID() string { return w.Root }

// DBPath returns the absolute store path.
func (w *Workspace) DBPath() string { return w.abs(w.Config.DBPath) }

// JournalPath returns the absolute journal directory.
func (w *Workspace) JournalPath() string { return w.abs(w.Config.JournalPath) }

// AuditPath returns the absolute audit log path.
func (w *Workspace) AuditPath() string { return w.abs(w.Config.AuditPath) }

// RecordPath returns the absolute per-project transaction record path.
func (w *Workspace) RecordPath() string {
	return filepath.Join(w.Root, MarkerDir, persist.RecordFileName)
}

func (w *Workspace) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(w.Root, p)
}

// FindRoot walks up from start looking for the marker directory.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}
	for {
		info, err := os.Stat(filepath.Join(dir, MarkerDir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory above %s", MarkerDir, start)
		}
		dir = parent
	}
}

// Discover locates the workspace containing start and loads its config. A
// tree with no marker directory becomes a new workspace rooted at start; the
// marker directory is created on first write, not here.
func Discover(start string) (*Workspace, error) {
	root, err := FindRoot(start)
	if err != nil {
		abs, aerr := filepath.Abs(start)
		if aerr != nil {
			return nil, fmt.Errorf("resolve start dir: %w", aerr)
		}
		root = abs
	}

	var cfg Config
	cfgPath := filepath.Join(root, MarkerDir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	cfg.ApplyDefaults()
	return &Workspace{Root: root, Config: cfg}, nil
}
