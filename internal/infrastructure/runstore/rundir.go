package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest records what a run was started with. Written once at bootstrap
// as run.yaml so a run directory is self-describing after the fact.
type Manifest struct {
	RunDir    string    `yaml:"run_dir"`
	StartedAt time.Time `yaml:"started_at"`
	Model     string    `yaml:"model"`
	Executor  string    `yaml:"executor_command"`
	VLM       string    `yaml:"vlm_command"`
	Tools     []string  `yaml:"allowed_tools"`
}

// Bootstrap creates a fresh run directory under baseDir, named
// run_<yyyymmdd_hhmmss> with a numeric suffix on collision, and seeds
// allowed_tools.json and the run manifest.
func Bootstrap(baseDir string, manifest Manifest) (string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create run base dir: %w", err)
	}

	name := "run_" + time.Now().Format("20060102_150405")
	dir := filepath.Join(baseDir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		dir = filepath.Join(baseDir, fmt.Sprintf("%s_%d", name, i))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	tools, err := json.MarshalIndent(manifest.Tools, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "allowed_tools.json"), tools, 0o644); err != nil {
		return "", fmt.Errorf("seed allowed_tools.json: %w", err)
	}

	manifest.RunDir = dir
	if manifest.StartedAt.IsZero() {
		manifest.StartedAt = time.Now()
	}
	raw, err := yaml.Marshal(&manifest)
	if err != nil {
		return "", fmt.Errorf("marshal run manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.yaml"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write run manifest: %w", err)
	}

	return dir, nil
}
