package integration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func getProjectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Look for go.mod file to identify project root
	for dir := wd; dir != "/"; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
	}

	return wd, nil
}

func buildGovproxyBinary(t *testing.T, projectRoot string) string {
	binaryPath := filepath.Join(t.TempDir(), "govproxy_test")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/govproxy")
	cmd.Dir = projectRoot

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Logf("Build output: %s", string(output))
		require.NoError(t, err, "Failed to build govproxy binary")
	}

	return binaryPath
}

// workspace is a temp dir holding a config.yaml whose audit, state,
// checkpoint and key paths all live inside it.
type workspace struct {
	dir    string
	config string
	binary string
}

func (w workspace) path(name string) string { return filepath.Join(w.dir, name) }

func newWorkspace(t *testing.T, binary string) workspace {
	dir := t.TempDir()
	w := workspace{dir: dir, config: filepath.Join(dir, "config.yaml"), binary: binary}
	cfg := fmt.Sprintf(`version: "0.1"
audit:
  sink: file
  file: %s
  failure_mode: fail_closed
hashing:
  state_file: %s
  checkpoint_dir: %s
signing:
  private_key_path: %s
  public_key_path: %s
logging:
  level: warn
  console_level: warn
`, w.path("audit.ndjson"), w.path("chain_state.json"), w.path("checkpoints"),
		w.path("private.pem"), w.path("public.pem"))
	require.NoError(t, os.WriteFile(w.config, []byte(cfg), 0644))
	require.NoError(t, os.MkdirAll(w.path("checkpoints"), 0755))
	return w
}

// run executes the binary with the workspace config and returns stdout.
func (w workspace) run(t *testing.T, stdin string, args ...string) (string, error) {
	args = append([]string{"--config", w.config}, args...)
	cmd := exec.Command(w.binary, args...)
	cmd.Dir = w.dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		t.Logf("govproxy %v stderr: %s", args, stderr.String())
	}
	return string(out), err
}

func requestJSON(t *testing.T, id, clearance, sql string, tables ...string) string {
	b, err := json.Marshal(map[string]any{
		"agentId":         "etl-agent",
		"agentName":       "nightly-etl",
		"agentPurpose":    "reconcile documents",
		"databaseName":    "governance",
		"sqlQuery":        sql,
		"requestedTables": tables,
		"clearanceLevel":  clearance,
		"correlationId":   id,
	})
	require.NoError(t, err)
	return string(b)
}

func parseJSONLFile(t *testing.T, filePath string) []map[string]interface{} {
	file, err := os.Open(filePath)
	require.NoError(t, err)
	defer file.Close()

	var events []map[string]interface{}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			var event map[string]interface{}
			err := json.Unmarshal([]byte(line), &event)
			require.NoError(t, err, "Failed to parse JSON line: %s", line)
			events = append(events, event)
		}
	}

	require.NoError(t, scanner.Err())
	return events
}
