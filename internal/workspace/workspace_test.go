package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"noesis/internal/trust"
)

func TestFindRoot_WalksUp(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, MarkerDir), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "internal", "deep", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if got != root {
		t.Errorf("root = %s, want %s", got, root)
	}

	if _, err := FindRoot(t.TempDir()); err == nil {
		t.Error("FindRoot found a root in an unmarked tree")
	}
}

func TestDiscover_DefaultsWithoutConfig(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, MarkerDir), 0o755); err != nil {
		t.Fatal(err)
	}

	ws, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ws.ProjectID() != root {
		t.Errorf("project id = %s, want root", ws.ProjectID())
	}
	cfg := ws.Config
	if cfg.KnowledgeThreshold != trust.DefaultKnowledgeBase {
		t.Errorf("knowledge threshold = %v", cfg.KnowledgeThreshold)
	}
	if cfg.CalibrationWindow != 20 {
		t.Errorf("calibration window = %d, want 20", cfg.CalibrationWindow)
	}
	if ws.DBPath() != filepath.Join(root, MarkerDir, "noesis.db") {
		t.Errorf("db path = %s", ws.DBPath())
	}
	if ws.RecordPath() != filepath.Join(root, MarkerDir, "transaction.json") {
		t.Errorf("record path = %s", ws.RecordPath())
	}
}

func TestDiscover_UnmarkedTreeRootsAtStart(t *testing.T) {
	dir := t.TempDir()
	ws, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ws.Root != dir {
		t.Errorf("root = %s, want start dir", ws.Root)
	}
}

func TestDiscover_LoadsConfig(t *testing.T) {
	root := t.TempDir()
	marker := filepath.Join(root, MarkerDir)
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := []byte("knowledge_threshold: 0.8\ncalibration_window: 5\ntrust_ttl_seconds: 10\n")
	if err := os.WriteFile(filepath.Join(marker, ConfigFileName), cfg, 0o644); err != nil {
		t.Fatal(err)
	}

	ws, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if ws.Config.KnowledgeThreshold != 0.8 {
		t.Errorf("knowledge threshold = %v, want 0.8", ws.Config.KnowledgeThreshold)
	}
	if ws.Config.CalibrationWindow != 5 {
		t.Errorf("calibration window = %d, want 5", ws.Config.CalibrationWindow)
	}
	if ws.Config.TrustTTL().Seconds() != 10 {
		t.Errorf("trust ttl = %v, want 10s", ws.Config.TrustTTL())
	}
	// Unset fields still take defaults.
	if ws.Config.AutonomyFactor != trust.DefaultAutonomyFactor {
		t.Errorf("autonomy factor = %v", ws.Config.AutonomyFactor)
	}
}

func TestParseConfig_FormatDetection(t *testing.T) {
	yamlData := []byte("db_path: custom.db\n")
	jsonData := []byte(`{"db_path": "custom.db"}`)

	for _, tc := range []struct {
		name string
		data []byte
		ext  string
	}{
		{"yaml by ext", yamlData, ".yaml"},
		{"yml alias", yamlData, ".yml"},
		{"json by ext", jsonData, ".json"},
		{"json by content", jsonData, ""},
		{"yaml by content", yamlData, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseConfig(tc.data, tc.ext)
			if err != nil {
				t.Fatalf("ParseConfig: %v", err)
			}
			if c.DBPath != "custom.db" {
				t.Errorf("db_path = %q", c.DBPath)
			}
		})
	}

	if _, err := ParseConfig([]byte("{broken"), ".json"); err == nil {
		t.Error("malformed json accepted")
	}
}
