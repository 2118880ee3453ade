package runconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samogod/squirrelrun/pkg/profile"
)

var DebugLog func(string, ...interface{})

const (
	DefaultGPUs = "2"
	DefaultName = "test"
	DefaultMode = "train"
	NoResume    = "none"
)

var Modes = []string{"train", "test", "eval", "data"}

// Inputs are the positional arguments of one invocation. Empty fields fall
// back to Defaults.
type Inputs struct {
	GPUs   string
	Name   string
	Mode   string
	Resume string
	Debug  bool
}

type Defaults struct {
	GPUs string
	Name string
	Mode string
}

type Paths struct {
	DataPrefix    string
	WorkspaceRoot string
}

// Flag is one forwarded trainer option. Switch flags carry no value and are
// only forwarded when Enabled.
type Flag struct {
	Name    string `json:"name"`
	Value   string `json:"value,omitempty"`
	Switch  bool   `json:"switch,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// RunConfig is built once per invocation and never mutated afterwards.
// ProcessCount is kept as typed by the user; the distributed launcher is the
// one that rejects a malformed count.
type RunConfig struct {
	ProcessCount    string          `json:"process_count"`
	Name            string          `json:"name"`
	Mode            string          `json:"mode"`
	Resume          string          `json:"resume"`
	DataPrefix      string          `json:"data_prefix"`
	WorkspacePrefix string          `json:"workspace_prefix"`
	Debug           bool            `json:"debug"`
	Profile         profile.Profile `json:"profile"`
}

// ParsePositional maps up to four positional arguments onto Inputs in the
// order gpus, name, mode, resume.
func ParsePositional(args []string) (Inputs, error) {
	if len(args) > 4 {
		return Inputs{}, fmt.Errorf("accepts at most 4 positional arguments, received %d", len(args))
	}

	var in Inputs
	fields := []*string{&in.GPUs, &in.Name, &in.Mode, &in.Resume}
	for i, arg := range args {
		*fields[i] = strings.TrimSpace(arg)
	}

	return in, nil
}

func Build(in Inputs, defaults Defaults, p profile.Profile, paths Paths) (RunConfig, error) {
	cfg := RunConfig{
		ProcessCount: firstNonEmpty(in.GPUs, defaults.GPUs, DefaultGPUs),
		Name:         firstNonEmpty(in.Name, defaults.Name, DefaultName),
		Mode:         firstNonEmpty(in.Mode, defaults.Mode, DefaultMode),
		Resume:       firstNonEmpty(in.Resume, NoResume),
		DataPrefix:   paths.DataPrefix,
		Debug:        in.Debug || p.Debug,
		Profile:      p,
	}

	if !ValidMode(cfg.Mode) {
		return RunConfig{}, fmt.Errorf("mode must be one of %s, got %q", strings.Join(Modes, ", "), cfg.Mode)
	}

	if strings.ContainsAny(cfg.Name, `/\`) {
		return RunConfig{}, fmt.Errorf("name must not contain path separators: %q", cfg.Name)
	}

	if cfg.Name == "." || cfg.Name == ".." {
		return RunConfig{}, fmt.Errorf("name must not refer to the workspace root or its parent: %q", cfg.Name)
	}

	if _, ok := cfg.Workers(); !ok && DebugLog != nil {
		DebugLog("process count %q is not a positive integer, forwarding as-is", cfg.ProcessCount)
	}

	cfg.WorkspacePrefix = workspacePrefix(paths.WorkspaceRoot, cfg.Name)
	cfg.Profile.Debug = cfg.Debug

	return cfg, nil
}

func ValidMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Workers parses ProcessCount. ok is false when it is not a positive integer.
func (c RunConfig) Workers() (int, bool) {
	n, err := strconv.Atoi(c.ProcessCount)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (c RunConfig) Resuming() bool {
	return c.Resume != NoResume
}

// Flags lists every trainer option in the order it is forwarded.
func (c RunConfig) Flags() []Flag {
	p := c.Profile

	return []Flag{
		value("prefix", p.Prefix),
		value("mode", c.Mode),
		value("data_prefix", c.DataPrefix),
		value("dataset", p.Dataset),
		value("src", p.Src),
		value("trg", p.Trg),
		value("train_set", p.TrainSet),
		value("dev_set", p.DevSet),
		value("test_set", p.TestSet),
		toggle("load_lazy", p.LoadLazy),
		value("base", p.Base),
		value("workspace_prefix", c.WorkspacePrefix),
		value("params", p.Params),
		value("eval_every", strconv.Itoa(p.EvalEvery)),
		value("batch_size", strconv.Itoa(p.BatchSize)),
		value("inter_size", strconv.Itoa(p.InterSize)),
		value("label_smooth", strconv.FormatFloat(p.LabelSmooth, 'g', -1, 64)),
		toggle("share_embeddings", p.ShareEmbeddings),
		toggle("tensorboard", p.Tensorboard),
		value("cross_attn_fashion", p.CrossAttnFashion),
		value("model", p.Model),
		value("load_from", c.Resume),
		toggle("resume", c.Resuming()),
		toggle("debug", c.Debug),
	}
}

// Args renders Flags as the argument list handed to the trainer. Each call
// returns a fresh slice.
func (c RunConfig) Args() []string {
	var args []string
	for _, f := range c.Flags() {
		if f.Switch {
			if f.Enabled {
				args = append(args, "--"+f.Name)
			}
			continue
		}
		args = append(args, "--"+f.Name, f.Value)
	}
	return args
}

func value(name, v string) Flag {
	return Flag{Name: name, Value: v}
}

func toggle(name string, enabled bool) Flag {
	return Flag{Name: name, Switch: true, Enabled: enabled}
}

func workspacePrefix(root, name string) string {
	if root == "" {
		return name + string(filepath.Separator)
	}
	return filepath.Join(root, name) + string(filepath.Separator)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
