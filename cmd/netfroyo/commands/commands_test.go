package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/netfroyo/pkg/errdefs"
	"github.com/openfroyo/netfroyo/pkg/state"
)

const initialState = `
interfaces:
  - name: eth0
    type: ethernet
    state: up
    mtu: 1500
`

const dummyDocument = `
interfaces:
  - name: dummy0
    type: dummy
    state: up
    mtu: 1400
`

// testEnv writes a config using the memory backend and a SQLite history
// under a temporary directory.
type testEnv struct {
	dir    string
	config string
	state  string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "netfroyo.cue"),
		state:  filepath.Join(dir, "state.yaml"),
	}

	cfg := `
engine: {
	timeout:       "2s"
	poll_interval: "10ms"
}
backend: {
	kind:       "memory"
	state_path: "` + env.state + `"
}
store: {
	enabled: true
	path:    "` + filepath.Join(dir, "history.db") + `"
}
telemetry: logging: level: "error"
` + extra

	env.write(t, "netfroyo.cue", cfg)
	env.write(t, "state.yaml", initialState)
	return env
}

func (e *testEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// run executes the CLI with --config pointing at the environment.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, append([]string{"--config", e.config}, args...)...)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "unknown")

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestApplyPlanShowHistory(t *testing.T) {
	env := newTestEnv(t, "")
	doc := env.write(t, "net.yaml", dummyDocument)

	out, err := env.run(t, "plan", doc, "--diff")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(out, "create dummy0 (dummy)") {
		t.Errorf("expected create operation in plan, got:\n%s", out)
	}
	if !strings.Contains(out, "Plan: 1 to create") {
		t.Errorf("expected plan summary, got:\n%s", out)
	}
	if !strings.Contains(out, "+++ desired/dummy0") || !strings.Contains(out, "+mtu: 1400") {
		t.Errorf("expected unified diff, got:\n%s", out)
	}

	out, err = env.run(t, "apply", doc)
	if err != nil {
		t.Fatalf("apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Outcome:  committed") {
		t.Errorf("expected committed outcome, got:\n%s", out)
	}

	data, err := os.ReadFile(env.state)
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	saved, err := state.Decode(data)
	if err != nil {
		t.Fatalf("failed to decode state file: %v", err)
	}
	entries, _ := state.InterfaceEntries(saved)
	if len(entries) != 2 {
		t.Errorf("expected eth0 and dummy0 in the state file, got %v", entries)
	}

	out, err = env.run(t, "apply", doc)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if !strings.Contains(out, "Outcome:  no-changes") {
		t.Errorf("expected no changes on the second apply, got:\n%s", out)
	}

	out, err = env.run(t, "show", "dummy0", "--json")
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	var shown struct {
		Interfaces []map[string]interface{} `json:"interfaces"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show did not print JSON: %v\n%s", err, out)
	}
	if len(shown.Interfaces) != 1 || shown.Interfaces[0]["name"] != "dummy0" {
		t.Errorf("expected only dummy0, got %v", shown.Interfaces)
	}

	out, err = env.run(t, "history", "--json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []struct {
		ID      string `json:"id"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("history did not print JSON: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}

	var committed string
	for _, run := range runs {
		if run.Outcome == "committed" {
			committed = run.ID
		}
	}
	if committed == "" {
		t.Fatalf("expected a committed run, got %+v", runs)
	}

	out, err = env.run(t, "history", "show", committed)
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "dummy0") {
		t.Errorf("expected the dummy0 operation in the run, got:\n%s", out)
	}
}

func TestApplyDryRun(t *testing.T) {
	env := newTestEnv(t, "")
	doc := env.write(t, "net.yaml", dummyDocument)

	out, err := env.run(t, "apply", doc, "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "Outcome:  planned") || !strings.Contains(out, "create dummy0") {
		t.Errorf("expected planned outcome with the plan, got:\n%s", out)
	}

	data, err := os.ReadFile(env.state)
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	if strings.Contains(string(data), "dummy0") {
		t.Error("dry run must not change the state")
	}
}

func TestApplyPolicyDenied(t *testing.T) {
	env := newTestEnv(t, `policy: protected: ["eth0"]`)
	doc := env.write(t, "remove.yaml", `
interfaces:
  - name: eth0
    type: ethernet
    state: absent
`)

	_, err := env.run(t, "apply", doc)
	if !errdefs.IsKind(err, errdefs.KindPolicyDenied) {
		t.Fatalf("expected policy denial, got %v", err)
	}

	_, err = env.run(t, "policy", "check", doc)
	if !errdefs.IsKind(err, errdefs.KindPolicyDenied) {
		t.Fatalf("expected policy check to deny, got %v", err)
	}

	data, err := os.ReadFile(env.state)
	if err != nil {
		t.Fatalf("failed to read state file: %v", err)
	}
	if !strings.Contains(string(data), "eth0") {
		t.Error("expected eth0 to survive a denied plan")
	}
}

func TestPlanDOT(t *testing.T) {
	env := newTestEnv(t, "")
	doc := env.write(t, "bond.yaml", `
interfaces:
  - name: dummy1
    type: dummy
  - name: bond0
    type: bond
    link-aggregation:
      mode: active-backup
      port: [dummy1]
`)

	out, err := env.run(t, "plan", doc, "--dot", "-")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.HasPrefix(out, "digraph InterfaceGraph {") {
		t.Errorf("expected a DOT graph, got:\n%s", out)
	}
}

func TestShowCapture(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "show", "--capture", `interfaces.type == "ethernet"`)
	if err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(out, "name: eth0") {
		t.Errorf("expected eth0, got:\n%s", out)
	}

	_, err = env.run(t, "show", "missing0")
	if !errdefs.IsKind(err, errdefs.KindValue) {
		t.Errorf("expected value error for an unknown interface, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name    string
		file    string
		content string
		args    []string
		want    string
		wantErr bool
	}{
		{
			name:    "valid document",
			file:    "net.yaml",
			content: dummyDocument,
			want:    "valid document",
		},
		{
			name: "policy document",
			file: "policy.yaml",
			content: `
capture:
  nic: interfaces.type == "ethernet"
desired:
  interfaces:
    - name: "{{ capture.nic.interfaces.0.name }}"
      mtu: 9000
`,
			want: "valid policy document",
		},
		{
			name:    "against the host",
			file:    "host.yaml",
			content: "interfaces: [{name: eth0, mtu: 9000}]",
			args:    []string{"--against-host"},
			want:    "1 operation(s)",
		},
		{
			name:    "schema violation",
			file:    "bad.yaml",
			content: "interfaces: [{name: eth0, mtu: 10}]",
			wantErr: true,
		},
		{
			name:    "unknown interface against the host",
			file:    "unknown.yaml",
			content: "interfaces: [{name: eth9, mtu: 9000}]",
			args:    []string{"--against-host"},
			wantErr: true,
		},
		{
			name: "starlark generator",
			file: "dummies.star",
			content: `
interfaces = [{"name": "dummy%d" % i, "type": "dummy"} for i in range(count)]
`,
			args: []string{"--var", "count=2"},
			want: "valid document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := env.write(t, tt.file, tt.content)
			out, err := env.run(t, append([]string{"validate", path}, tt.args...)...)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got:\n%s", out)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %q in output, got:\n%s", tt.want, out)
			}
		})
	}
}

func TestPolicyList(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "policy", "list")
	if err != nil {
		t.Fatalf("policy list failed: %v", err)
	}
	for _, name := range []string{"protected-interfaces", "loopback-protection", "mtu-bounds"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %s in policy list, got:\n%s", name, out)
		}
	}
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, `"kind": "memory"`) || !strings.Contains(out, `"poll_interval": "10ms"`) {
		t.Errorf("unexpected config:\n%s", out)
	}

	if _, err := execute(t, "--config", filepath.Join(env.dir, "missing.cue"), "config", "show"); err == nil {
		t.Error("expected error for a missing config")
	}
}

func TestHistoryRequiresStore(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "netfroyo.cue")
	if err := os.WriteFile(cfg, []byte(`backend: kind: "memory"`+"\n"+`telemetry: logging: level: "error"`), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := execute(t, "--config", cfg, "history")
	if err == nil || !strings.Contains(err.Error(), "store.enabled") {
		t.Errorf("expected disabled store error, got %v", err)
	}
}

func TestParseVar(t *testing.T) {
	tests := map[string]interface{}{
		"4":     4,
		"true":  true,
		"1.5":   1.5,
		"eth1":  "eth1",
		"[a,b]": "[a,b]",
		"":      "",
	}
	for in, want := range tests {
		if got := parseVar(in); got != want {
			t.Errorf("parseVar(%q) = %v (%T), want %v", in, got, got, want)
		}
	}
}
