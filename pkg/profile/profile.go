package profile

import (
	"fmt"
	"sort"
	"strings"
)

var DebugLog func(string, ...interface{})

const DefaultName = "wmt16-roen"

var (
	Bases             = []string{"bpe", "word", "char", "byte"}
	CrossAttnFashions = []string{"forward", "reverse", "last_layer"}
)

// Profile is the dataset and hyperparameter half of a run. The positional
// inputs (gpus, name, mode, resume) are layered on top by runconfig.
type Profile struct {
	Name             string  `json:"name" yaml:"name"`
	Prefix           string  `json:"prefix" yaml:"prefix"`
	Dataset          string  `json:"dataset" yaml:"dataset"`
	Src              string  `json:"src" yaml:"src"`
	Trg              string  `json:"trg" yaml:"trg"`
	TrainSet         string  `json:"train_set" yaml:"train_set"`
	DevSet           string  `json:"dev_set" yaml:"dev_set"`
	TestSet          string  `json:"test_set" yaml:"test_set"`
	Base             string  `json:"base" yaml:"base"`
	Params           string  `json:"params" yaml:"params"`
	EvalEvery        int     `json:"eval_every" yaml:"eval_every"`
	BatchSize        int     `json:"batch_size" yaml:"batch_size"`
	InterSize        int     `json:"inter_size" yaml:"inter_size"`
	LabelSmooth      float64 `json:"label_smooth" yaml:"label_smooth"`
	ShareEmbeddings  bool    `json:"share_embeddings" yaml:"share_embeddings"`
	Tensorboard      bool    `json:"tensorboard" yaml:"tensorboard"`
	LoadLazy         bool    `json:"load_lazy" yaml:"load_lazy"`
	Debug            bool    `json:"debug" yaml:"debug"`
	CrossAttnFashion string  `json:"cross_attn_fashion" yaml:"cross_attn_fashion"`
	Model            string  `json:"model" yaml:"model"`
}

// Override is a user profile from the config file. Nil fields inherit from
// the profile named by Extends.
type Override struct {
	Extends          string   `yaml:"extends"`
	Prefix           *string  `yaml:"prefix"`
	Dataset          *string  `yaml:"dataset"`
	Src              *string  `yaml:"src"`
	Trg              *string  `yaml:"trg"`
	TrainSet         *string  `yaml:"train_set"`
	DevSet           *string  `yaml:"dev_set"`
	TestSet          *string  `yaml:"test_set"`
	Base             *string  `yaml:"base"`
	Params           *string  `yaml:"params"`
	EvalEvery        *int     `yaml:"eval_every"`
	BatchSize        *int     `yaml:"batch_size"`
	InterSize        *int     `yaml:"inter_size"`
	LabelSmooth      *float64 `yaml:"label_smooth"`
	ShareEmbeddings  *bool    `yaml:"share_embeddings"`
	Tensorboard      *bool    `yaml:"tensorboard"`
	LoadLazy         *bool    `yaml:"load_lazy"`
	Debug            *bool    `yaml:"debug"`
	CrossAttnFashion *string  `yaml:"cross_attn_fashion"`
	Model            *string  `yaml:"model"`
}

func (o Override) apply(p Profile) Profile {
	setString(&p.Prefix, o.Prefix)
	setString(&p.Dataset, o.Dataset)
	setString(&p.Src, o.Src)
	setString(&p.Trg, o.Trg)
	setString(&p.TrainSet, o.TrainSet)
	setString(&p.DevSet, o.DevSet)
	setString(&p.TestSet, o.TestSet)
	setString(&p.Base, o.Base)
	setString(&p.Params, o.Params)
	setString(&p.CrossAttnFashion, o.CrossAttnFashion)
	setString(&p.Model, o.Model)

	if o.EvalEvery != nil {
		p.EvalEvery = *o.EvalEvery
	}
	if o.BatchSize != nil {
		p.BatchSize = *o.BatchSize
	}
	if o.InterSize != nil {
		p.InterSize = *o.InterSize
	}
	if o.LabelSmooth != nil {
		p.LabelSmooth = *o.LabelSmooth
	}
	if o.ShareEmbeddings != nil {
		p.ShareEmbeddings = *o.ShareEmbeddings
	}
	if o.Tensorboard != nil {
		p.Tensorboard = *o.Tensorboard
	}
	if o.LoadLazy != nil {
		p.LoadLazy = *o.LoadLazy
	}
	if o.Debug != nil {
		p.Debug = *o.Debug
	}

	return p
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Lookup returns a copy of the built-in preset with the given name.
func Lookup(name string) (Profile, bool) {
	for _, p := range presets {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// Names lists preset and user profile names, sorted and deduplicated.
func Names(custom map[string]Override) []string {
	seen := make(map[string]bool)
	var names []string

	for _, p := range presets {
		if !seen[p.Name] {
			seen[p.Name] = true
			names = append(names, p.Name)
		}
	}
	for name := range custom {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// Resolve returns the named profile, applying user overrides on top of the
// profile they extend. A user profile with no extends inherits from the
// preset of the same name, or from DefaultName.
func Resolve(name string, custom map[string]Override) (Profile, error) {
	if name == "" {
		name = DefaultName
	}

	p, err := resolve(name, custom, make(map[string]bool))
	if err != nil {
		return Profile{}, err
	}

	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", name, err)
	}

	return p, nil
}

func resolve(name string, custom map[string]Override, seen map[string]bool) (Profile, error) {
	if seen[name] {
		return Profile{}, fmt.Errorf("profile %s extends itself through a cycle", name)
	}
	seen[name] = true

	ov, ok := custom[name]
	if !ok {
		p, ok := Lookup(name)
		if !ok {
			return Profile{}, fmt.Errorf("unknown profile: %s", name)
		}
		return p, nil
	}

	base := ov.Extends
	if base == "" {
		if _, ok := Lookup(name); ok {
			base = name
		} else {
			base = DefaultName
		}
	}

	var parent Profile
	if base == name {
		preset, ok := Lookup(name)
		if !ok {
			return Profile{}, fmt.Errorf("profile %s extends itself", name)
		}
		parent = preset
	} else {
		var err error
		parent, err = resolve(base, custom, seen)
		if err != nil {
			return Profile{}, err
		}
	}

	if DebugLog != nil {
		DebugLog("profile %s extends %s", name, base)
	}

	p := ov.apply(parent)
	p.Name = name
	return p, nil
}

func (p Profile) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"prefix", p.Prefix},
		{"dataset", p.Dataset},
		{"src", p.Src},
		{"trg", p.Trg},
		{"train_set", p.TrainSet},
		{"dev_set", p.DevSet},
		{"test_set", p.TestSet},
		{"params", p.Params},
		{"model", p.Model},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("%s must not be empty", r.name)
		}
	}

	if !contains(Bases, p.Base) {
		return fmt.Errorf("base must be one of %s, got %q", strings.Join(Bases, ", "), p.Base)
	}

	if !contains(CrossAttnFashions, p.CrossAttnFashion) {
		return fmt.Errorf("cross_attn_fashion must be one of %s, got %q", strings.Join(CrossAttnFashions, ", "), p.CrossAttnFashion)
	}

	if p.EvalEvery <= 0 {
		return fmt.Errorf("eval_every must be greater than 0")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if p.InterSize <= 0 {
		return fmt.Errorf("inter_size must be greater than 0")
	}
	if p.LabelSmooth < 0 || p.LabelSmooth >= 1 {
		return fmt.Errorf("label_smooth must be in [0, 1), got %g", p.LabelSmooth)
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
