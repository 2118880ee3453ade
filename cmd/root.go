package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/samogod/squirrelrun/pkg/config"
	"github.com/samogod/squirrelrun/pkg/database"
	"github.com/samogod/squirrelrun/pkg/dataset"
	"github.com/samogod/squirrelrun/pkg/launcher"
	"github.com/samogod/squirrelrun/pkg/orchestrator"
	"github.com/samogod/squirrelrun/pkg/profile"
	"github.com/samogod/squirrelrun/pkg/runconfig"
	"github.com/samogod/squirrelrun/pkg/session"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	profileName string
	dryRun      bool
	jsonFormat  bool
	preflight   bool
	debugRun    bool
	masterPort  int
	silent      bool
	verbose     bool
)

var Verbose bool

var rootCmd = &cobra.Command{
	Use:   "squirrelrun [gpus] [name] [mode] [resume]",
	Short: "distributed NMT training launcher",
	Long: `Build a Squirrel training run from a profile and start it with one worker per GPU.

Positional arguments (all optional):
  gpus     number of worker processes (default: 2)
  name     workspace name under the workspace root (default: test)
  mode     train, test, eval or data (default: train)
  resume   checkpoint to load, or none (default: none)`,
	Example: `  squirrelrun
  squirrelrun 8 roen-big
  squirrelrun 4 roen-big train roen-big_iter=20000
  squirrelrun -p iwslt-deen --dry-run 1 debug`,
	Args: cobra.MaximumNArgs(4),
	Run:  runLaunch,
}

func Execute() {
	hasSilentFlag := false
	for i, arg := range os.Args {
		switch arg {
		case "-silent":
			os.Args[i] = "--silent"
			hasSilentFlag = true
		case "--silent":
			hasSilentFlag = true
		case "-preflight":
			os.Args[i] = "--preflight"
		case "-dry-run":
			os.Args[i] = "--dry-run"
		}
	}

	if !hasSilentFlag && !(len(os.Args) > 1 && os.Args[1] == "version") {
		printBanner()
	}

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func DebugLog(format string, args ...interface{}) {
	if Verbose {
		fmt.Fprintf(os.Stderr, "[DBG] "+format+"\n", args...)
	}
}

func setDebugLogFunctions() {
	config.DebugLog = DebugLog
	profile.DebugLog = DebugLog
	runconfig.DebugLog = DebugLog
	dataset.DebugLog = DebugLog
	launcher.DebugLog = DebugLog
	orchestrator.DebugLog = DebugLog
	session.DebugLog = DebugLog
	database.DebugLog = DebugLog
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./squirrelrun.yaml, then ~/.config/squirrelrun/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose/debug output")

	rootCmd.Flags().StringVarP(&profileName, "profile", "p", "", "run profile to launch (see 'squirrelrun profiles')")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the launch command instead of running it")
	rootCmd.Flags().BoolVarP(&jsonFormat, "json", "j", false, "print the run configuration as JSON instead of launching (implies --dry-run)")
	rootCmd.Flags().BoolVar(&preflight, "preflight", false, "check dataset, vocabulary and checkpoint files before launching")
	rootCmd.Flags().BoolVar(&debugRun, "debug", false, "pass --debug to the trainer")
	rootCmd.Flags().IntVar(&masterPort, "master-port", 0, "rendezvous port for the distributed launcher (default: from config)")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "silent mode - no banner, warnings only")

	rootCmd.AddCommand(versionCmd)
}

func runLaunch(cmd *cobra.Command, args []string) {
	Verbose = verbose

	if verbose {
		setDebugLogFunctions()
	}

	if masterPort < 0 || masterPort > 65535 {
		color.Red("Error: --master-port must be between 0 and 65535")
		os.Exit(1)
	}

	orch, err := orchestrator.NewOrchestrator(configFile, silent)
	if err != nil {
		color.Red("Failed to initialize launcher: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := orch.Launch(ctx, launchOptions(args))
	stop()
	orch.Close()

	if err != nil {
		color.Red("Launch failed: %v", err)
		os.Exit(1)
	}

	if result.DryRun {
		if err := printDryRun(result); err != nil {
			color.Red("Output error: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(result.ExitCode)
}

// launchOptions collects the root command's flags. --json implies --dry-run.
func launchOptions(args []string) orchestrator.LaunchOptions {
	return orchestrator.LaunchOptions{
		Args:       args,
		Profile:    profileName,
		DryRun:     dryRun || jsonFormat,
		Preflight:  preflight,
		Debug:      debugRun,
		MasterPort: masterPort,
	}
}

type dryRunOutput struct {
	Config    runconfig.RunConfig `json:"config"`
	Mechanism string              `json:"mechanism"`
	Argv      []string            `json:"argv"`
	Findings  []string            `json:"findings,omitempty"`
}

func printDryRun(result *orchestrator.LaunchResult) error {
	if jsonFormat {
		out := dryRunOutput{
			Config:    result.Config,
			Mechanism: string(result.Mechanism),
			Argv:      result.Argv,
		}
		for _, f := range result.Findings {
			out.Findings = append(out.Findings, f.String())
		}

		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println(formatCommand(result.Argv))
	return nil
}

var safeShellWord = regexp.MustCompile(`^[A-Za-z0-9_./=:,@%+-]+$`)

// formatCommand renders argv as a line that can be pasted into a shell, one
// option per line.
func formatCommand(argv []string) string {
	var b strings.Builder

	for i, arg := range argv {
		if i > 0 {
			if strings.HasPrefix(arg, "--") && !strings.Contains(arg, "=") {
				b.WriteString(" \\\n    ")
			} else {
				b.WriteString(" ")
			}
		}
		b.WriteString(shellQuote(arg))
	}

	return b.String()
}

func shellQuote(arg string) string {
	if arg != "" && safeShellWord.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func printBanner() {
	banner := color.CyanString(`
┌─┐┌─┐ ┬ ┬┬┬─┐┬─┐┌─┐┬  ┬─┐┬ ┬┌┐┌
└─┐│─┼┐│ ││├┬┘├┬┘├┤ │  ├┬┘│ ││││
└─┘└─┘└└─┘┴┴└─┴└─└─┘┴─┘┴└─└─┘┘└┘`)
	info := color.HiBlackString("distributed NMT training launcher")
	fmt.Fprintln(os.Stderr, banner)
	fmt.Fprintln(os.Stderr, info)
	fmt.Fprintln(os.Stderr)
}
