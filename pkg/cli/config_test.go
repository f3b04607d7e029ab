package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/urfave/cli/v3"
)

const testConfigYAML = `
log_level: debug
store:
  backend: firestore
  firestore_project: file-project
embedding:
  dimension: 256
consolidation:
  search_limit: 7
  call_timeout: 5s
  policy_dir: /etc/mnemo/policy
`

func runWithConfig(t *testing.T, args ...string) (*config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mnemo.yaml")
	gt.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0600))

	var cfg config
	cmd := &cli.Command{
		Name:  "test",
		Flags: commandFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.loadFile(c, cfg.configFile); err != nil {
				return err
			}
			return cfg.validate()
		},
	}
	err := cmd.Run(context.Background(), append([]string{"test", "--config", path}, args...))
	return &cfg, err
}

func TestConfigFileFillsUnsetValues(t *testing.T) {
	cfg, err := runWithConfig(t)
	gt.NoError(t, err)

	gt.Equal(t, cfg.logLevel, "debug")
	gt.Equal(t, cfg.store, storeFirestore)
	gt.Equal(t, cfg.firestoreProject, "file-project")
	gt.Equal(t, cfg.embeddingDim, int64(256))
	gt.Equal(t, cfg.searchLimit, int64(7))
	gt.Equal(t, cfg.callTimeout, 5*time.Second)
	gt.Equal(t, cfg.policyDir, "/etc/mnemo/policy")

	// values absent from the file keep flag defaults
	gt.Equal(t, cfg.geminiLocation, "us-central1")
	gt.Equal(t, cfg.llm, llmGemini)
}

func TestConfigFlagsOverrideFile(t *testing.T) {
	cfg, err := runWithConfig(t, "--store", "sqlite", "--search-limit", "2")
	gt.NoError(t, err)

	gt.Equal(t, cfg.store, storeSQLite)
	gt.Equal(t, cfg.searchLimit, int64(2))
	gt.Equal(t, cfg.embeddingDim, int64(256))
}

func TestConfigValidate(t *testing.T) {
	t.Run("unknown store", func(t *testing.T) {
		_, err := runWithConfig(t, "--store", "redis")
		gt.Error(t, err)
	})

	t.Run("unknown llm", func(t *testing.T) {
		_, err := runWithConfig(t, "--llm", "gpt")
		gt.Error(t, err)
	})
}

func TestConfigFileErrors(t *testing.T) {
	var cfg config
	cmd := &cli.Command{
		Name:  "test",
		Flags: commandFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			return cfg.loadFile(c, filepath.Join(t.TempDir(), "missing.yaml"))
		},
	}
	gt.Error(t, cmd.Run(context.Background(), []string{"test"}))
}
