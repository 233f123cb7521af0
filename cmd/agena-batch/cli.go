package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/spacemonkeygo/errors"
	"github.com/urfave/cli"

	"github.com/taskmgr818/agena-batch/internal/dashboard"
	"github.com/taskmgr818/agena-batch/internal/sink"
	"github.com/taskmgr818/agena-batch/pkg/agena"
	"github.com/taskmgr818/agena-batch/pkg/batch"
	"github.com/taskmgr818/agena-batch/pkg/config"
	"github.com/taskmgr818/agena-batch/pkg/dataset"
	"github.com/taskmgr818/agena-batch/pkg/model"
)

// -v is the verbosity level here
func init() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version, V",
		Usage: "print the version",
	}
}

// Main runs the command line and returns the process exit code. It never
// calls os.Exit so tests can drive it.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) (code ExitCode) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "agena-batch: unexpected panic: %v\n", r)
			code = ExitPanic
		}
	}()

	app := cli.NewApp()
	app.Name = "agena-batch"
	app.Usage = "Calculate datasets against an agena.ai cloud model."
	app.Version = "0.3.0"
	app.Writer = stdout
	app.ErrWriter = stderr

	badArgs := false
	app.CommandNotFound = func(c *cli.Context, command string) {
		fmt.Fprintf(stderr, "'%s' is not a %s subcommand\n", command, c.App.Name)
		badArgs = true
	}

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "YAML configuration file; AGENA_* variables override it",
		},
		cli.IntFlag{
			Name:  "verbose, v",
			Usage: "debug level from 1 (summary) to 10 (every poll); 0 keeps the configured value",
		},
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "only log warnings and errors",
		},
	}
	app.Commands = []cli.Command{
		calculateCommand(ctx, stdout, stderr),
		tokenCommand(ctx, stdout, stderr),
		hashTokenCommand(stdout),
	}

	err := app.Run(args)
	if badArgs {
		return ExitBadArgs
	}
	if err != nil {
		fmt.Fprintf(stderr, "agena-batch: %s\n", errMessage(err))
	}
	return exitCodeFor(err)
}

func errMessage(err error) string {
	if e, ok := err.(*errors.Error); ok && CLIError.Contains(err) {
		return e.Message()
	}
	return err.Error()
}

// setup loads the configuration and builds the logger from the global flags
func setup(c *cli.Context, stderr io.Writer) (*config.Config, log15.Logger, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, nil, userError(ExitUser, "cannot load configuration", err)
	}
	if level := c.GlobalInt("verbose"); level > 0 {
		cfg.API.Debug = true
		cfg.API.DebugLevel = level
	}

	lvl := log15.LvlInfo
	if c.GlobalBool("quiet") {
		lvl = log15.LvlWarn
	}
	log := log15.New()
	log.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(stderr, log15.TerminalFormat())))
	return cfg, log, nil
}

// login is shared by every command that talks to the service. Without a
// username the session stays anonymous, which some servers accept.
func login(ctx context.Context, c *cli.Context, s *agena.Session, log log15.Logger) error {
	username := c.String("username")
	if username == "" && s.Config().Auth.Username == "" {
		log.Warn("no username configured, sending requests without a token")
		return nil
	}
	if err := s.LogIn(ctx, username, c.String("password")); err != nil {
		return userError(ExitUser, "cannot log in", err)
	}
	return nil
}

var credentialFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "username, u",
		Usage: "account name; overrides auth.username",
	},
	cli.StringFlag{
		Name:  "password, p",
		Usage: "account password; overrides auth.password",
	},
}

func calculateCommand(ctx context.Context, stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "calculate",
		Usage: "Calculate every row of a CSV file as one dataset",
		Flags: append([]cli.Flag{
			cli.StringFlag{
				Name:  "csv",
				Usage: "input file: id, network, then one column per node or node=state",
			},
			cli.StringFlag{
				Name:  "network",
				Usage: "network id for every row; the CSV then has no network column",
			},
			cli.StringFlag{
				Name:  "separator",
				Value: ",",
				Usage: "CSV field separator",
			},
			cli.StringFlag{
				Name:  "model",
				Usage: "JSON model file to calculate against",
			},
			cli.StringFlag{
				Name:  "app-id",
				Usage: "stored model identifier, instead of --model",
			},
			cli.StringFlag{
				Name:  "model-path",
				Usage: "stored model path, instead of --model",
			},
			cli.StringFlag{
				Name:  "out, o",
				Usage: "write the report here instead of stdout",
			},
		}, credentialFlags...),
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c, stderr)
			if err != nil {
				return err
			}
			return runCalculate(ctx, c, cfg, log, stdout)
		},
	}
}

// report is the document the calculate command writes
type report struct {
	RunID   string                     `json:"runId"`
	Results []*model.CalculatedDataset `json:"results"`
	Errors  []batch.DatasetError       `json:"errors"`
	Stats   batch.Stats                `json:"stats"`
}

func runCalculate(ctx context.Context, c *cli.Context, cfg *config.Config, log log15.Logger, stdout io.Writer) error {
	if c.String("csv") == "" {
		return userError(ExitBadArgs, "--csv is required", nil)
	}
	if c.String("model") == "" && c.String("app-id") == "" && c.String("model-path") == "" {
		return userError(ExitBadArgs, "one of --model, --app-id or --model-path is required", nil)
	}
	sep, size := utf8.DecodeRuneInString(c.String("separator"))
	if size == 0 || size != len(c.String("separator")) {
		return userError(ExitBadArgs, "--separator must be a single character", nil)
	}

	datasets, err := readDatasets(c.String("csv"), c.String("network"), sep, log.New("module", "dataset"))
	if err != nil {
		return userError(ExitUser, "cannot read datasets", err)
	}
	opts := batch.Options{
		RunID:     uuid.New().String(),
		AppID:     c.String("app-id"),
		ModelPath: c.String("model-path"),
	}
	if path := c.String("model"); path != "" {
		if opts.Model, err = loadModel(path); err != nil {
			return userError(ExitUser, "cannot read model", err)
		}
	}

	out := stdout
	if path := c.String("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return userError(ExitUser, "cannot create output file", err)
		}
		defer f.Close()
		out = f
	}

	session := agena.NewSession(cfg, log)
	defer session.Close()
	if err := login(ctx, c, session, log); err != nil {
		return err
	}

	s, err := sink.Open(ctx, cfg.Sink)
	if err != nil {
		return userError(ExitUser, "cannot open sink", err)
	}
	if s != nil {
		defer s.Close()
		opts.OnResult = sink.HandOff(s, opts.RunID)
	}

	if cfg.Dashboard.Enabled {
		dctx, stop := context.WithCancel(ctx)
		defer stop()
		d := dashboard.NewDashboard(cfg.API.Server, log.New("module", "dashboard"))
		if cfg.Dashboard.TokenHash != "" {
			if err := d.RequireToken(cfg.Dashboard.TokenHash); err != nil {
				return userError(ExitUser, "cannot enable the dashboard", err)
			}
		}
		go func() {
			if err := d.ServeHTTP(dctx, cfg.Dashboard.Address); err != nil {
				log.Error("dashboard server failed", "err", err)
			}
		}()
		opts.Observer = d
	}

	var errs []batch.DatasetError
	opts.Errors = &errs
	log.Info("starting batch", "run", opts.RunID, "datasets", len(datasets), "server", cfg.API.Server)
	r := session.CalculateBatch(ctx, datasets, opts)

	if rec, ok := s.(sink.RunRecorder); ok {
		if err := rec.RecordRun(context.WithoutCancel(ctx), r); err != nil {
			log.Error("failed to record run", "run", r.RunID, "err", err)
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report{
		RunID:   r.RunID,
		Results: r.Results,
		Errors:  errs,
		Stats:   r.Stats,
	}); err != nil {
		return userError(ExitUser, "cannot write report", err)
	}

	for _, e := range errs {
		log.Warn(e.Error())
	}
	log.Info("batch finished", "run", r.RunID, "calculated", len(r.Results), "failed", len(errs), "duration", r.Duration)
	if len(errs) > 0 {
		return userError(ExitPartial, fmt.Sprintf("%d of %d datasets failed", len(errs), len(datasets)), nil)
	}
	return nil
}

func readDatasets(path, network string, sep rune, log log15.Logger) ([]*model.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return dataset.ReadCSV(f, network, sep, log)
}

// loadModel accepts both a bare model object and the {"model": {...}}
// wrapper the modeller exports.
func loadModel(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", path, err)
	}
	if inner, ok := doc["model"]; ok && strings.HasPrefix(strings.TrimSpace(string(inner)), "{") {
		return inner, nil
	}
	return json.RawMessage(data), nil
}

func tokenCommand(ctx context.Context, stdout, stderr io.Writer) cli.Command {
	return cli.Command{
		Name:  "token",
		Usage: "Log in and print the token state",
		Flags: credentialFlags,
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c, stderr)
			if err != nil {
				return err
			}
			session := agena.NewSession(cfg, log)
			defer session.Close()

			if c.String("username") == "" && cfg.Auth.Username == "" {
				return userError(ExitBadArgs, "a username is required", nil)
			}
			if err := login(ctx, c, session, log); err != nil {
				return err
			}
			tok := session.AccessToken()
			if tok.AccessToken == "" {
				return userError(ExitUser, "the token endpoint refused the credentials", nil)
			}

			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"state":              string(session.AuthState()),
				"accessTokenExpiry":  tok.AccessTokenExpiry,
				"refreshTokenExpiry": tok.RefreshTokenExpiry,
			})
		},
	}
}

func hashTokenCommand(stdout io.Writer) cli.Command {
	return cli.Command{
		Name:      "hash-token",
		Usage:     "Print the dashboard.token_hash value for a viewer token",
		ArgsUsage: "<token>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return userError(ExitBadArgs, "hash-token takes exactly one token", nil)
			}
			hash, err := dashboard.HashToken(c.Args().First())
			if err != nil {
				return userError(ExitBadArgs, "cannot hash token", err)
			}
			fmt.Fprintln(stdout, hash)
			return nil
		},
	}
}
