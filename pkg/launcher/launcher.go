package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/samogod/squirrelrun/pkg/runconfig"
)

var DebugLog func(string, ...interface{})

type Mechanism string

const (
	TorchLaunch Mechanism = "torch.distributed.launch"
	TorchRun    Mechanism = "torchrun"
)

const (
	DefaultPython     = "python"
	DefaultEntryPoint = "ez_run.py"

	// torch.distributed.launch tears its workers down on SIGINT; anything
	// still alive after this is killed.
	shutdownGrace = 30 * time.Second
)

var Mechanisms = []Mechanism{TorchLaunch, TorchRun}

func (m Mechanism) Valid() bool {
	for _, known := range Mechanisms {
		if m == known {
			return true
		}
	}
	return false
}

type Config struct {
	Python     string
	Mechanism  Mechanism
	EntryPoint string
	WorkDir    string
	MasterPort int

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Launcher struct {
	cfg Config
}

func New(cfg Config) *Launcher {
	if cfg.Python == "" {
		cfg.Python = DefaultPython
	}
	if cfg.Mechanism == "" {
		cfg.Mechanism = TorchLaunch
	}
	if cfg.EntryPoint == "" {
		cfg.EntryPoint = DefaultEntryPoint
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Launcher{cfg: cfg}
}

// Argv is the full command line for rc, program name first. The program is
// reported as configured, not as resolved on PATH.
func (l *Launcher) Argv(rc runconfig.RunConfig) ([]string, error) {
	var argv []string

	switch l.cfg.Mechanism {
	case TorchLaunch:
		argv = []string{l.cfg.Python, "-m", string(TorchLaunch)}
	case TorchRun:
		argv = []string{string(TorchRun)}
	default:
		return nil, fmt.Errorf("unknown launch mechanism: %s", l.cfg.Mechanism)
	}

	argv = append(argv, "--nproc_per_node="+rc.ProcessCount)
	if l.cfg.MasterPort > 0 {
		argv = append(argv, fmt.Sprintf("--master_port=%d", l.cfg.MasterPort))
	}

	argv = append(argv, l.cfg.EntryPoint)
	argv = append(argv, rc.Args()...)

	return argv, nil
}

// Run starts the distributed launcher and waits for it. The returned code is
// the child's exit status; err is only set when the child could not be
// started. Cancelling ctx sends SIGINT to the child.
func (l *Launcher) Run(ctx context.Context, rc runconfig.RunConfig) (int, error) {
	argv, err := l.Argv(rc)
	if err != nil {
		return 1, err
	}

	program, err := resolveExecutable(argv[0])
	if err != nil {
		return 1, fmt.Errorf("%s executable not found: %w", argv[0], err)
	}

	if DebugLog != nil {
		DebugLog("executing: %s %s", program, strings.Join(argv[1:], " "))
	}

	cmd := exec.CommandContext(ctx, program, argv[1:]...)
	cmd.Dir = l.cfg.WorkDir
	cmd.Stdin = l.cfg.Stdin
	cmd.Stdout = l.cfg.Stdout
	cmd.Stderr = l.cfg.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = shutdownGrace

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	err = cmd.Wait()
	if cmd.ProcessState == nil {
		return 1, fmt.Errorf("%s failed: %w", argv[0], err)
	}

	code := cmd.ProcessState.ExitCode()
	if code < 0 {
		// killed by a signal
		code = 1
	}

	if DebugLog != nil {
		DebugLog("%s exited with code %d", argv[0], code)
	}

	return code, nil
}

func resolveExecutable(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	if strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("%s not found", name)
	}

	var candidates []string

	if prefix := os.Getenv("VIRTUAL_ENV"); prefix != "" {
		candidates = append(candidates, filepath.Join(prefix, "bin", name))
	}

	if prefix := os.Getenv("CONDA_PREFIX"); prefix != "" {
		candidates = append(candidates, filepath.Join(prefix, "bin", name))
	}

	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, ".local", "bin", name))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", fmt.Errorf("%s not found", name)
}
