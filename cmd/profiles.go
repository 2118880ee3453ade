package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/samogod/squirrelrun/pkg/config"
	"github.com/samogod/squirrelrun/pkg/profile"
	"github.com/samogod/squirrelrun/pkg/runconfig"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [name]",
	Short: "List run profiles or show the flags of one",
	Long:  `List built-in and configured run profiles, or show the trainer flags a profile produces with default positional arguments`,
	Args:  cobra.MaximumNArgs(1),
	Run:   runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(cmd *cobra.Command, args []string) {
	Verbose = verbose
	if verbose {
		setDebugLogFunctions()
	}

	manager := config.NewManager(configFile)
	if err := manager.LoadConfig(); err != nil {
		color.Red("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	cfg := manager.GetConfig()

	if len(args) == 0 {
		if err := listProfiles(os.Stdout, cfg); err != nil {
			color.Red("Failed to list profiles: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := showProfile(os.Stdout, cfg, args[0]); err != nil {
		color.Red("Failed to show profile: %v", err)
		os.Exit(1)
	}
}

func listProfiles(out io.Writer, cfg *config.Config) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("PROFILE\tDATASET\tPAIR\tPARAMS\tBATCH\tINTER\tSOURCE"))

	for _, name := range profile.Names(cfg.Profiles) {
		p, err := profile.Resolve(name, cfg.Profiles)
		if err != nil {
			return err
		}

		source := "built-in"
		if _, ok := cfg.Profiles[name]; ok {
			source = "config"
		}
		if name == cfg.Defaults.Profile {
			source += " (default)"
		}

		fmt.Fprintf(w, "%s\t%s\t%s-%s\t%s\t%d\t%d\t%s\n",
			p.Name, p.Dataset, p.Src, p.Trg, p.Params, p.BatchSize, p.InterSize, source)
	}

	return w.Flush()
}

func showProfile(out io.Writer, cfg *config.Config, name string) error {
	p, err := profile.Resolve(name, cfg.Profiles)
	if err != nil {
		return err
	}

	rc, err := runconfig.Build(runconfig.Inputs{}, runconfig.Defaults{
		GPUs: strconv.Itoa(cfg.Defaults.GPUs),
		Name: cfg.Defaults.Name,
		Mode: cfg.Defaults.Mode,
	}, p, runconfig.Paths{
		DataPrefix:    cfg.Paths.DataPrefix,
		WorkspaceRoot: cfg.Paths.WorkspaceRoot,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, color.CyanString("FLAG\tVALUE"))

	for _, f := range rc.Flags() {
		v := f.Value
		if f.Switch {
			v = color.HiBlackString("off")
			if f.Enabled {
				v = color.GreenString("on")
			}
		}
		fmt.Fprintf(w, "--%s\t%s\n", f.Name, v)
	}

	return w.Flush()
}
