package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/hashicorp/go-uuid"
	"github.com/histo-tools/omerotk/pkg/clog"
	"github.com/histo-tools/omerotk/pkg/config"
	"github.com/histo-tools/omerotk/pkg/history"
	"github.com/histo-tools/omerotk/pkg/omero"
	"github.com/histo-tools/omerotk/pkg/transfer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	dotenvFile string
	logLevel   string
	runLogDir  string

	// logOutput is where the global logger writes.
	logOutput io.Writer = os.Stderr
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "omerotk",
	Short: "Bulk chunk, download, upload and link whole slide images on an OMERO server",
	Long: `omerotk works on the whole slide images held by an OMERO server. It splits a
dataset's image names into CSV batches, downloads the original files behind
named images, uploads a directory of slides into a new dataset and prints
browser links for named images. Settings are read from the 'omero' section
of a YAML config file.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dotenvFile, "dotenv", "", "Optional dotenv file with OMERO_USERNAME/OMERO_PASSWORD")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log_level")
	rootCmd.PersistentFlags().StringVar(&runLogDir, "run-log", "", "Directory to write a <run id>.log file for each download or upload run")
}

// mustLoadSettings is loadSettings with every problem fatal.
func mustLoadSettings() *config.Settings {
	s, err := loadSettings()
	if err != nil {
		log.Fatalf("%s", err)
	}
	return s
}

// loadSettings loads the config file named by the global flags and sets up logging.
func loadSettings() (*config.Settings, error) {
	env := config.NewDotenvEnv(dotenvFile)
	if err := env.Load(); err != nil {
		return nil, errors.Wrap(err, "unable to load dotenv file")
	}

	s, err := config.Load(cfgFile, env)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load config")
	}

	level := s.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	if err := clog.Setup(logOutput, level); err != nil {
		return nil, errors.Wrapf(err, "invalid log level '%s'", level)
	}

	return s, nil
}

// newSession creates the session commands talk to the server through. Tests
// swap it for a mock.
var newSession = func(s *config.Settings) omero.Session {
	return omero.NewClient(omero.ClientConfig{
		WebURL:   s.WebURL,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		Timeout:  s.RequestTimeout,
	})
}

// openHistory opens the history store named by history_db. Tests swap it for an
// in-memory store.
var openHistory = func(s *config.Settings) (history.Store, error) {
	db, err := history.Open(s.HistoryDB)
	if err != nil {
		return nil, err
	}
	return history.NewGormStore(db, s.TxRetry), nil
}

// withSession connects, runs fn and closes the session again.
func withSession(ctx context.Context, s *config.Settings, fn func(session omero.Session) error) error {
	session := newSession(s)
	if err := session.Connect(ctx); err != nil {
		return errors.Wrapf(err, "failed to connect to OMERO server %s:%d", s.Host, s.Port)
	}
	log.Infof("Connected to OMERO server %s:%d successfully!", s.Host, s.Port)

	defer func() {
		if err := session.Close(ctx); err != nil {
			log.Warnf("Unable to close OMERO session: %s", err)
		}
	}()

	return fn(session)
}

// run holds what a transfer command needs to log and record under one id.
type run struct {
	id       string
	logger   log.Interface
	recorder transfer.Recorder
	logFile  string
}

// newRun creates a run id. With --run-log the run's entries go to
// <dir>/<id>.log instead of the global log until close is called.
func newRun(s *config.Settings) (*run, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create run id")
	}

	r := &run{id: id}

	if s.HistoryDB != "" {
		store, err := openHistory(s)
		if err != nil {
			return nil, err
		}
		r.recorder = history.NewRecorder(store, id)
	}

	if runLogDir != "" {
		if err := os.MkdirAll(runLogDir, 0755); err != nil {
			return nil, errors.Wrapf(err, "unable to create run log directory %s", runLogDir)
		}

		r.logFile = filepath.Join(runLogDir, id+".log")
		f, err := os.Create(r.logFile)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to create run log %s", r.logFile)
		}

		clog.AddLoggingContext(id, f)
		log.Infof("Logging run %s to %s", id, r.logFile)
	}

	r.logger = clog.UsingCtx(id)

	return r, nil
}

// close drops the run's log context, closing its log file.
func (r *run) close() {
	if r.logFile != "" {
		clog.RemoveLoggingContext(r.id)
	}
}

func (r *run) options(threads int) transfer.Options {
	return transfer.Options{
		Threads:  threads,
		Recorder: r.recorder,
		Logger:   r.logger,
	}
}

// logReport writes the tally of a report and one line per failure.
func (r *run) logReport(what string, report *transfer.Report) {
	r.logger.Infof("%s finished: %s", what, report.Tally())
	for _, o := range report.Failures() {
		r.logger.WithField("path", o.Path).Errorf("%s failed: %s", o.Name, o.Reason())
	}
	for _, name := range report.NoFiles {
		r.logger.Warnf("No underlying file for %s", name)
	}
}

func threadsOr(flagValue int, s *config.Settings) int {
	if flagValue > 0 {
		return flagValue
	}
	return s.Threads
}
