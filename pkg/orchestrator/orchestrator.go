package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/samogod/squirrelrun/pkg/config"
	"github.com/samogod/squirrelrun/pkg/database"
	"github.com/samogod/squirrelrun/pkg/dataset"
	"github.com/samogod/squirrelrun/pkg/elastic"
	"github.com/samogod/squirrelrun/pkg/launcher"
	"github.com/samogod/squirrelrun/pkg/profile"
	"github.com/samogod/squirrelrun/pkg/runconfig"
	"github.com/samogod/squirrelrun/pkg/session"

	"github.com/sirupsen/logrus"
)

var DebugLog func(string, ...interface{})

const recordTimeout = 10 * time.Second

type Orchestrator struct {
	config        *config.Config
	configManager *config.Manager
	logger        *logrus.Logger
	db            *database.DB
	index         *elastic.Client

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type LaunchOptions struct {
	Args       []string
	Profile    string
	DryRun     bool
	Preflight  bool
	Debug      bool
	MasterPort int
}

type LaunchResult struct {
	Config    runconfig.RunConfig
	Argv      []string
	Mechanism launcher.Mechanism
	Findings  []dataset.Finding
	DryRun    bool
	ExitCode  int
	LaunchID  int64
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var levelText string
	switch entry.Level {
	case logrus.InfoLevel:
		levelText = "[INF]"
	case logrus.WarnLevel:
		levelText = "[WARN]"
	case logrus.ErrorLevel:
		levelText = "[ERR]"
	case logrus.DebugLevel:
		levelText = "[DBG]"
	default:
		levelText = "[???]"
	}
	return []byte(fmt.Sprintf("%s %s\n", levelText, entry.Message)), nil
}

func newLogger(silent bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	if silent {
		logger.SetLevel(logrus.WarnLevel)
	}
	logger.SetFormatter(&customFormatter{})
	return logger
}

// NewOrchestrator loads the config and connects the optional run history
// and launch index. Failing to reach either is logged and the launch goes
// ahead without it.
func NewOrchestrator(configPath string, silent bool) (*Orchestrator, error) {
	logger := newLogger(silent)

	configManager := config.NewManager(configPath)
	if err := configManager.LoadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := configManager.GetConfig()

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Warnf("Run history initialization failed: %v", err)
	}

	var index *elastic.Client
	if cfg.Elasticsearch.Enabled {
		sess := session.New(recordTimeout)
		index, err = elastic.New(elastic.Config{
			URL:       cfg.Elasticsearch.URL,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			Index:     cfg.Elasticsearch.Index,
			Transport: sess.Client.Transport,
		})
		if err != nil {
			logger.Warnf("Launch index initialization failed: %v", err)
			index = nil
		}
	}

	return &Orchestrator{
		config:        cfg,
		configManager: configManager,
		logger:        logger,
		db:            db,
		index:         index,
		stdin:         os.Stdin,
		stdout:        os.Stdout,
		stderr:        os.Stderr,
	}, nil
}

// SetStreams redirects the trainer's standard streams.
func (o *Orchestrator) SetStreams(stdin io.Reader, stdout, stderr io.Writer) {
	o.stdin = stdin
	o.stdout = stdout
	o.stderr = stderr
}

func (o *Orchestrator) SetLogOutput(w io.Writer) {
	o.logger.SetOutput(w)
}

func (o *Orchestrator) GetConfig() *config.Config {
	return o.config
}

func (o *Orchestrator) GetDB() *database.DB {
	return o.db
}

func (o *Orchestrator) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// Prepare resolves the profile and builds the run configuration without
// touching the filesystem or spawning anything.
func (o *Orchestrator) Prepare(options LaunchOptions) (*LaunchResult, error) {
	in, err := runconfig.ParsePositional(options.Args)
	if err != nil {
		return nil, err
	}
	in.Debug = options.Debug

	profileName := options.Profile
	if profileName == "" {
		profileName = o.config.Defaults.Profile
	}

	prof, err := profile.Resolve(profileName, o.config.Profiles)
	if err != nil {
		return nil, err
	}

	defaults := runconfig.Defaults{
		GPUs: strconv.Itoa(o.config.Defaults.GPUs),
		Name: o.config.Defaults.Name,
		Mode: o.config.Defaults.Mode,
	}
	paths := runconfig.Paths{
		DataPrefix:    o.config.Paths.DataPrefix,
		WorkspaceRoot: o.config.Paths.WorkspaceRoot,
	}

	rc, err := runconfig.Build(in, defaults, prof, paths)
	if err != nil {
		return nil, err
	}

	l := o.newLauncher(options)
	argv, err := l.Argv(rc)
	if err != nil {
		return nil, err
	}

	if DebugLog != nil {
		DebugLog("profile %s resolved for run %s", prof.Name, rc.Name)
	}

	return &LaunchResult{
		Config:    rc,
		Argv:      argv,
		Mechanism: launcher.Mechanism(o.config.Launcher.Mechanism),
		DryRun:    options.DryRun,
	}, nil
}

func (o *Orchestrator) newLauncher(options LaunchOptions) *launcher.Launcher {
	port := o.config.Launcher.MasterPort
	if options.MasterPort > 0 {
		port = options.MasterPort
	}

	return launcher.New(launcher.Config{
		Python:     o.config.Launcher.Python,
		Mechanism:  launcher.Mechanism(o.config.Launcher.Mechanism),
		EntryPoint: o.config.Launcher.EntryPoint,
		WorkDir:    o.config.Launcher.WorkDir,
		MasterPort: port,
		Stdin:      o.stdin,
		Stdout:     o.stdout,
		Stderr:     o.stderr,
	})
}

// Launch builds the run configuration and hands it to the distributed
// launcher, blocking until the launcher exits. The returned error is only set
// when nothing could be started; a failing trainer is reported through
// ExitCode.
func (o *Orchestrator) Launch(ctx context.Context, options LaunchOptions) (*LaunchResult, error) {
	result, err := o.Prepare(options)
	if err != nil {
		return nil, err
	}

	rc := result.Config

	if _, ok := rc.Workers(); !ok {
		o.logger.Warnf("Process count %q is not a positive integer, forwarding it to %s as-is", rc.ProcessCount, result.Mechanism)
	}

	if options.Preflight {
		result.Findings = dataset.Check(rc)
		for _, finding := range result.Findings {
			o.logger.Warnf("Preflight: %s", finding)
		}
		if len(result.Findings) == 0 {
			o.logger.Infof("Preflight: dataset %s/%s-%s looks complete", rc.Profile.Dataset, rc.Profile.Src, rc.Profile.Trg)
		}
	}

	if options.DryRun {
		return result, nil
	}

	o.logger.Infof("Launching %s with profile %s: mode=%s workers=%s resume=%s",
		rc.Name, rc.Profile.Name, rc.Mode, rc.ProcessCount, rc.Resume)

	result.StartTime = time.Now()
	result.LaunchID = o.recordStart(result)

	code, runErr := o.newLauncher(options).Run(ctx, rc)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.ExitCode = code

	o.recordFinish(result)

	if runErr != nil {
		return result, fmt.Errorf("launch failed: %w", runErr)
	}

	if code != 0 {
		o.logger.Errorf("%s exited with code %d after %v", result.Mechanism, code, result.Duration.Round(time.Second))
	} else {
		o.logger.Infof("%s finished after %v", result.Mechanism, result.Duration.Round(time.Second))
	}

	return result, nil
}

func (o *Orchestrator) recordStart(result *LaunchResult) int64 {
	if o.db == nil || !o.db.IsEnabled() {
		return 0
	}

	rc := result.Config
	id, err := o.db.StartLaunch(database.LaunchRecord{
		Name:    rc.Name,
		Profile: rc.Profile.Name,
		Mode:    rc.Mode,
		GPUs:    rc.ProcessCount,
		Resume:  rc.Resume,
		Argv:    result.Argv,
	})
	if err != nil {
		o.logger.Warnf("Failed to record launch in run history: %v", err)
		return 0
	}

	return id
}

func (o *Orchestrator) recordFinish(result *LaunchResult) {
	if o.db != nil && o.db.IsEnabled() && result.LaunchID != 0 {
		if err := o.db.FinishLaunch(result.LaunchID, result.ExitCode); err != nil {
			o.logger.Warnf("Failed to update run history: %v", err)
		}
	}

	if o.index == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := o.index.IndexLaunch(ctx, launchDocument(result)); err != nil {
		o.logger.Warnf("Failed to index launch: %v", err)
	}
}

func launchDocument(result *LaunchResult) elastic.LaunchDocument {
	rc := result.Config

	flags := make(map[string]string)
	for _, f := range rc.Flags() {
		if f.Switch {
			flags[f.Name] = strconv.FormatBool(f.Enabled)
			continue
		}
		flags[f.Name] = f.Value
	}

	return elastic.LaunchDocument{
		Name:            rc.Name,
		Profile:         rc.Profile.Name,
		Mode:            rc.Mode,
		GPUs:            rc.ProcessCount,
		Resume:          rc.Resume,
		Mechanism:       string(result.Mechanism),
		Argv:            result.Argv,
		Flags:           flags,
		Status:          database.StatusFor(result.ExitCode),
		ExitCode:        result.ExitCode,
		StartedAt:       result.StartTime,
		FinishedAt:      result.EndTime,
		DurationSeconds: result.Duration.Seconds(),
	}
}
