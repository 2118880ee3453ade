package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"testing"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type env struct {
	dir    string
	record string
	config string
}

// newEnv writes a config whose python is a shell script that records its
// arguments and exits with exitCode.
func newEnv(t *testing.T, exitCode int, extra string) env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	dir := t.TempDir()
	e := env{dir: dir, record: filepath.Join(dir, "args.txt"), config: filepath.Join(dir, "squirrelrun.yaml")}

	script := filepath.Join(dir, "bin", "python")
	writeFile(t, script, fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %s\nexit %d\n", e.record, exitCode), 0755)

	cfg := fmt.Sprintf(`
paths:
  data_prefix: %s/data/
  workspace_root: %s/space/
launcher:
  python: %s
  master_port: 29500
profiles:
  tiny:
    extends: iwslt-deen
    batch_size: 64
%s`, dir, dir, script, extra)
	writeFile(t, e.config, cfg, 0644)

	return e
}

func newOrchestrator(t *testing.T, e env) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(e.config, true)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	o.SetLogOutput(io.Discard)
	o.SetStreams(strings.NewReader(""), io.Discard, io.Discard)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNewOrchestratorMissingConfig(t *testing.T) {
	if _, err := NewOrchestrator(filepath.Join(t.TempDir(), "none.yaml"), true); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDryRunDoesNotSpawn(t *testing.T) {
	e := newEnv(t, 0, "")
	o := newOrchestrator(t, e)

	result, err := o.Launch(context.Background(), LaunchOptions{Args: []string{"4", "roen"}, DryRun: true})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !result.DryRun || result.ExitCode != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
	if _, err := os.Stat(e.record); !os.IsNotExist(err) {
		t.Fatalf("dry run spawned the trainer")
	}

	head := []string{filepath.Join(e.dir, "bin", "python"), "-m", "torch.distributed.launch", "--nproc_per_node=4", "--master_port=29500", "ez_run.py"}
	if !reflect.DeepEqual(result.Argv[:len(head)], head) {
		t.Fatalf("unexpected argv head %v", result.Argv[:len(head)])
	}
	if result.Config.WorkspacePrefix != filepath.Join(e.dir, "space", "roen")+"/" {
		t.Fatalf("unexpected workspace prefix %q", result.Config.WorkspacePrefix)
	}
}

func TestLaunchForwardsArgsAndExitCode(t *testing.T) {
	e := newEnv(t, 7, "")
	o := newOrchestrator(t, e)

	result, err := o.Launch(context.Background(), LaunchOptions{
		Args:       []string{"2", "tiny-run", "train", "tiny-run_best"},
		Profile:    "tiny",
		MasterPort: 12345,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", result.ExitCode)
	}

	data, err := os.ReadFile(e.record)
	if err != nil {
		t.Fatalf("trainer not started: %v", err)
	}
	got := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if !reflect.DeepEqual(got, result.Argv[1:]) {
		t.Fatalf("trainer received\n%v\nwant\n%v", got, result.Argv[1:])
	}

	joined := strings.Join(got, " ")
	for _, want := range []string{
		"--master_port=12345",
		"--batch_size 64",
		"--dataset iwslt",
		"--load_from tiny-run_best",
		"--resume",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in %s", want, joined)
		}
	}
}

func TestLaunchDefaults(t *testing.T) {
	e := newEnv(t, 0, "")
	o := newOrchestrator(t, e)

	result, err := o.Launch(context.Background(), LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	rc := result.Config
	if rc.ProcessCount != "2" || rc.Name != "test" || rc.Mode != "train" || rc.Resume != "none" || rc.Profile.Name != "wmt16-roen" {
		t.Fatalf("unexpected defaults %#v", rc)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
}

func TestLaunchRejectsBadInputs(t *testing.T) {
	e := newEnv(t, 0, "")
	o := newOrchestrator(t, e)

	if _, err := o.Launch(context.Background(), LaunchOptions{Args: []string{"2", "x", "sing"}}); err == nil {
		t.Fatalf("expected mode error")
	}
	if _, err := o.Launch(context.Background(), LaunchOptions{Profile: "missing"}); err == nil {
		t.Fatalf("expected profile error")
	}
	if _, err := os.Stat(e.record); !os.IsNotExist(err) {
		t.Fatalf("trainer must not start on invalid input")
	}
}

func TestPreflightFindings(t *testing.T) {
	e := newEnv(t, 0, "")
	o := newOrchestrator(t, e)

	var logs bytes.Buffer
	o.SetLogOutput(&logs)

	result, err := o.Launch(context.Background(), LaunchOptions{DryRun: true, Preflight: true})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(result.Findings) == 0 {
		t.Fatalf("expected findings for an empty data prefix")
	}
	if !strings.Contains(logs.String(), "[WARN] Preflight:") {
		t.Fatalf("findings not logged: %s", logs.String())
	}
}

type fakeIndex struct {
	mu   sync.Mutex
	docs []map[string]interface{}
}

func (f *fakeIndex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == "/" {
		_, _ = io.WriteString(w, `{"version":{"number":"8.13.0"}}`)
		return
	}

	var doc map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&doc)

	f.mu.Lock()
	f.docs = append(f.docs, doc)
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, `{"result":"created"}`)
}

func TestLaunchIsIndexed(t *testing.T) {
	fake := &fakeIndex{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	e := newEnv(t, 1, fmt.Sprintf("elasticsearch:\n  enabled: true\n  url: %s\n  index: runs\n", srv.URL))
	o := newOrchestrator(t, e)

	result, err := o.Launch(context.Background(), LaunchOptions{Args: []string{"1", "indexed"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if result.ExitCode != 1 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if len(fake.docs) != 1 {
		t.Fatalf("expected one indexed launch, got %d", len(fake.docs))
	}
	doc := fake.docs[0]
	if doc["name"] != "indexed" || doc["status"] != "FAILED" || doc["exit_code"] != float64(1) {
		t.Fatalf("unexpected document %v", doc)
	}
	flags, _ := doc["flags"].(map[string]interface{})
	if flags["share_embeddings"] != "true" || flags["debug"] != "false" || flags["mode"] != "train" {
		t.Fatalf("unexpected flags %v", flags)
	}
}

func TestUnreachableIndexDoesNotBlockLaunch(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := newEnv(t, 0, fmt.Sprintf("elasticsearch:\n  enabled: true\n  url: %s\n", url))
	o := newOrchestrator(t, e)

	result, err := o.Launch(context.Background(), LaunchOptions{})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
}
