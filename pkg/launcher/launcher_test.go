package launcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/samogod/squirrelrun/pkg/profile"
	"github.com/samogod/squirrelrun/pkg/runconfig"
)

func testRunConfig(t *testing.T, args ...string) runconfig.RunConfig {
	t.Helper()
	p, err := profile.Resolve("", nil)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	in, err := runconfig.ParsePositional(args)
	if err != nil {
		t.Fatalf("positional: %v", err)
	}
	rc, err := runconfig.Build(in, runconfig.Defaults{}, p, runconfig.Paths{DataPrefix: "/data/", WorkspaceRoot: "/space"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return rc
}

// fakeTrainer writes a shell script standing in for python that records its
// arguments one per line and exits with code.
func fakeTrainer(t *testing.T, code string) (script, record string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	dir := t.TempDir()
	record = filepath.Join(dir, "args.txt")
	script = filepath.Join(dir, "python")

	body := "#!/bin/sh\nprintf '%s\\n' \"$@\" > " + record + "\necho trainer-started\nexit " + code + "\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return script, record
}

func TestArgvTorchLaunch(t *testing.T) {
	rc := testRunConfig(t, "4")
	l := New(Config{MasterPort: 23456})

	argv, err := l.Argv(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	head := []string{"python", "-m", "torch.distributed.launch", "--nproc_per_node=4", "--master_port=23456", "ez_run.py"}
	if !reflect.DeepEqual(argv[:len(head)], head) {
		t.Fatalf("unexpected head %v", argv[:len(head)])
	}
	if !reflect.DeepEqual(argv[len(head):], rc.Args()) {
		t.Fatalf("trainer flags not forwarded verbatim")
	}
}

func TestArgvTorchRun(t *testing.T) {
	rc := testRunConfig(t)
	l := New(Config{Mechanism: TorchRun, EntryPoint: "train.py"})

	argv, err := l.Argv(rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	head := []string{"torchrun", "--nproc_per_node=2", "train.py"}
	if !reflect.DeepEqual(argv[:len(head)], head) {
		t.Fatalf("unexpected head %v", argv[:len(head)])
	}
}

func TestArgvUnknownMechanism(t *testing.T) {
	l := New(Config{Mechanism: "mpirun"})
	if _, err := l.Argv(testRunConfig(t)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestArgvForwardsMalformedCount(t *testing.T) {
	argv, err := New(Config{}).Argv(testRunConfig(t, "lots"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if argv[3] != "--nproc_per_node=lots" {
		t.Fatalf("count not forwarded verbatim: %v", argv[:4])
	}
}

func TestRunInheritsExitCode(t *testing.T) {
	script, record := fakeTrainer(t, "3")
	rc := testRunConfig(t, "2", "run", "train", "ckpt")

	var stdout bytes.Buffer
	l := New(Config{Python: script, Stdin: strings.NewReader(""), Stdout: &stdout, Stderr: &stdout})

	code, err := l.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if !strings.Contains(stdout.String(), "trainer-started") {
		t.Fatalf("child stdout not passed through: %q", stdout.String())
	}

	data, err := os.ReadFile(record)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	got := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	argv, _ := l.Argv(rc)
	if !reflect.DeepEqual(got, argv[1:]) {
		t.Fatalf("child received\n%v\nwant\n%v", got, argv[1:])
	}
}

func TestRunSuccess(t *testing.T) {
	script, _ := fakeTrainer(t, "0")
	var out bytes.Buffer
	l := New(Config{Python: script, Stdin: strings.NewReader(""), Stdout: &out, Stderr: &out, WorkDir: t.TempDir()})

	code, err := l.Run(context.Background(), testRunConfig(t))
	if err != nil || code != 0 {
		t.Fatalf("expected success, got code=%d err=%v", code, err)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	l := New(Config{Python: filepath.Join(t.TempDir(), "no-such-python")})

	code, err := l.Run(context.Background(), testRunConfig(t))
	if err == nil {
		t.Fatalf("expected error")
	}
	if code == 0 {
		t.Fatalf("expected non-zero code")
	}
}

func TestRunCancelInterruptsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not supported on windows")
	}

	dir := t.TempDir()
	script := filepath.Join(dir, "python")
	body := "#!/bin/sh\ntrap 'exit 130' INT\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	l := New(Config{Python: script, Stdin: strings.NewReader(""), Stdout: &out, Stderr: &out})

	start := time.Now()
	code, err := l.Run(ctx, testRunConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code == 0 {
		t.Fatalf("expected non-zero exit after cancellation")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("child was not interrupted promptly")
	}
}

func TestMechanismValid(t *testing.T) {
	if !TorchLaunch.Valid() || !TorchRun.Valid() || Mechanism("slurm").Valid() {
		t.Fatalf("unexpected mechanism validity")
	}
}
