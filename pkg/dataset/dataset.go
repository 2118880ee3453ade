package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samogod/squirrelrun/pkg/runconfig"
)

var DebugLog func(string, ...interface{})

// Layout is where the trainer will look for a language pair on disk.
type Layout struct {
	Dir     string
	Pair    string
	Reverse bool
	SrcExt  string
	TrgExt  string
}

// Finding is a preflight problem. None of them stop a launch; the trainer is
// the final judge.
type Finding struct {
	Path    string
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Message, f.Path)
}

// Resolve finds <data_prefix>/<dataset>/<src>-<trg>, falling back to the
// reversed pair directory whose files are read with swapped extensions.
func Resolve(dataPrefix, name, src, trg string) (Layout, error) {
	forward := Layout{
		Pair:   src + "-" + trg,
		SrcExt: ".src",
		TrgExt: ".trg",
	}
	forward.Dir = filepath.Join(dataPrefix, name, forward.Pair)

	if isDir(forward.Dir) {
		return forward, nil
	}

	reverse := Layout{
		Pair:    trg + "-" + src,
		Reverse: true,
		SrcExt:  ".trg",
		TrgExt:  ".src",
	}
	reverse.Dir = filepath.Join(dataPrefix, name, reverse.Pair)

	if isDir(reverse.Dir) {
		if DebugLog != nil {
			DebugLog("using reversed pair directory %s", reverse.Dir)
		}
		return reverse, nil
	}

	return Layout{}, fmt.Errorf("no data directory for %s or %s", forward.Dir, reverse.Dir)
}

// VocabName is the vocabulary file the trainer loads for this pair. Byte-level
// runs have no vocabulary file.
func VocabName(pair, base string, shareEmbeddings bool) string {
	if base == "byte" {
		return ""
	}

	share := "n"
	if shareEmbeddings {
		share = "s"
	}

	unit := "w"
	if base == "char" {
		unit = "c"
	}

	return fmt.Sprintf("vocab.%s.%s.%s.pt", pair, share, unit)
}

// Check inspects the filesystem for what the trainer will need: the pair
// directory, each split, the vocabulary and, when resuming, the checkpoint.
func Check(cfg runconfig.RunConfig) []Finding {
	var findings []Finding
	p := cfg.Profile

	layout, err := Resolve(cfg.DataPrefix, p.Dataset, p.Src, p.Trg)
	if err != nil {
		findings = append(findings, Finding{
			Path:    filepath.Join(cfg.DataPrefix, p.Dataset),
			Message: fmt.Sprintf("language pair %s-%s not found", p.Src, p.Trg),
		})
	} else {
		for _, split := range []string{p.TrainSet, p.DevSet, p.TestSet} {
			for _, ext := range []string{layout.SrcExt, layout.TrgExt} {
				path := filepath.Join(layout.Dir, split+ext)
				if !isFile(path) {
					findings = append(findings, Finding{Path: path, Message: "split file missing"})
				}
			}
		}

		if cfg.Mode != "data" {
			if vocab := VocabName(layout.Pair, p.Base, p.ShareEmbeddings); vocab != "" {
				path := filepath.Join(layout.Dir, vocab)
				if !isFile(path) {
					findings = append(findings, Finding{Path: path, Message: "vocabulary not pre-computed"})
				}
			}
		}
	}

	if cfg.Resuming() {
		models := filepath.Join(cfg.WorkspacePrefix, "models")
		for _, name := range []string{cfg.Resume + ".pt", cfg.Resume + ".pt.states"} {
			path := filepath.Join(models, name)
			if !isFile(path) {
				findings = append(findings, Finding{Path: path, Message: "checkpoint missing"})
			}
		}
	}

	return findings
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
