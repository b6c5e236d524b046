// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostfactory implements the resource connector's provider
// scripts (getAvailableTemplates, requestMachines, etc.) and the
// reclaim monitor daemon.
package hostfactory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/cloud/ec2"
	"git.arvados.org/awsprov.git/lib/cloud/loopback"
	"git.arvados.org/awsprov.git/lib/cmd"
	"git.arvados.org/awsprov.git/lib/config"
	"git.arvados.org/awsprov.git/lib/store"
	"git.arvados.org/awsprov.git/sdk/go/ctxlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Drivers lists the available HostProvider implementations.
var Drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

// Command is the awsprov command set.
var Command = NewCommand(os.Getenv)

// NewCommand returns the awsprov command set, reading connector
// settings (PRO_CONF_DIR etc.) with getenv.
func NewCommand(getenv func(string) string) cmd.Multi {
	sc := func(name string, run runFunc) cmd.Handler {
		return &scriptCommand{name: name, getenv: getenv, run: run}
	}
	return cmd.Multi{
		"getAvailableTemplates": sc("getAvailableTemplates", getAvailableTemplates),
		"requestMachines":       sc("requestMachines", requestMachines),
		"requestReturnMachines": sc("requestReturnMachines", requestReturnMachines),
		"getRequestStatus":      sc("getRequestStatus", getRequestStatus),
		"getReturnRequests":     sc("getReturnRequests", getReturnRequests),
		"reclaim-monitor":       &monitorCommand{getenv: getenv, ctx: context.Background()},
	}
}

// env is what a script needs to do its work.
type env struct {
	cfg       *config.Config
	logger    logrus.FieldLogger
	templates *config.TemplateManager
	store     *store.Store
	registry  *prometheus.Registry

	driver   string
	provider cloud.HostProvider
}

// Provider returns the configured HostProvider, setting it up on
// first use. Scripts that don't talk to the cloud don't need
// credentials.
func (e *env) Provider() (cloud.HostProvider, error) {
	if e.provider != nil {
		return e.provider, nil
	}
	drv, ok := Drivers[e.driver]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", e.driver)
	}
	prv, err := drv.HostProvider(cloud.ProviderParams{
		Config:    e.cfg,
		Templates: e.templates,
		Store:     e.store,
		Logger:    e.logger,
		Registry:  e.registry,
	})
	if err != nil {
		return nil, err
	}
	e.provider = prv
	return prv, nil
}

func (e *env) Close() {
	if e.provider != nil {
		e.provider.Stop()
	}
}

// setup loads the configuration and opens the log file and request
// store. The returned io.Closer closes the log file.
func setup(getenv func(string) string, driver string, stderr io.Writer) (*env, io.Closer, error) {
	bootstrap := ctxlog.New(stderr, "text", "info")
	ldr := &config.Loader{Getenv: getenv, Logger: bootstrap}
	cfg, err := ldr.Load()
	if err != nil {
		return nil, nil, err
	}
	var logfile io.Closer = nopCloser{}
	var logger logrus.FieldLogger
	if f, err := openLogFile(cfg); err != nil {
		bootstrap.WithError(err).Warn("cannot open log file, logging to stderr")
		logger = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	} else {
		logfile = f
		logger = ctxlog.New(f, cfg.LogFormat, cfg.LogLevel)
	}
	logger = logger.WithField("PID", os.Getpid())
	st, err := store.New(cfg.StorePath(), logger)
	if err != nil {
		logfile.Close()
		return nil, nil, err
	}
	return &env{
		cfg:       cfg,
		logger:    logger,
		templates: config.NewTemplateManager(cfg, logger),
		store:     st,
		registry:  prometheus.NewRegistry(),
		driver:    driver,
	}, logfile, nil
}

// openLogFile opens <LogDir>/aws-provider.log.<hostname> for
// appending. Stdout is reserved for JSON output.
func openLogFile(cfg *config.Config) (*os.File, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	path := filepath.Join(cfg.LogDir, "aws-provider.log."+hostname)
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type runFunc func(ctx context.Context, e *env, input []byte) (interface{}, error)

// scriptCommand runs one provider script: read a JSON request, write
// a JSON response to stdout, and exit 0, or write {"error": "..."}
// and exit 1.
type scriptCommand struct {
	name   string
	getenv func(string) string
	run    runFunc
}

func (sc *scriptCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := cmd.NewFlagSet()
	inputPath := flags.String("file", "", "read JSON input from `file` (\"-\" for stdin)")
	flags.Alias("f", "file")
	driver := flags.String("driver", "ec2", "cloud `driver` (ec2 or loopback)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "[input.json]", stderr); !ok {
		return code
	} else if flags.NArg() > 1 {
		fmt.Fprintf(stderr, "usage: %s [-f] input.json\n", prog)
		return 2
	} else if flags.NArg() == 1 && *inputPath == "" {
		*inputPath = flags.Arg(0)
	}

	fail := func(err error) int {
		writeJSON(stdout, map[string]string{"error": err.Error()})
		return 1
	}
	e, logfile, err := setup(sc.getenv, *driver, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return fail(err)
	}
	defer logfile.Close()
	defer e.Close()
	logger := e.logger.WithField("Script", sc.name)
	logger.Info("running")

	var input []byte
	if sc.name != "getAvailableTemplates" || *inputPath != "" {
		input, err = readInput(*inputPath, stdin)
		if err != nil {
			logger.WithError(err).Error("reading input")
			return fail(err)
		}
		logger.WithField("Input", string(input)).Debug("input")
	}
	ctx := ctxlog.Context(context.Background(), logger)
	out, err := sc.run(ctx, e, input)
	if err != nil {
		logger.WithError(err).Errorf("error in %s", sc.name)
		return fail(err)
	}
	if err := writeJSON(stdout, out); err != nil {
		logger.WithError(err).Error("writing output")
		return 1
	}
	logger.Info("done")
	return 0
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	switch path {
	case "":
		return nil, errors.New("no input file given (use -f input.json)")
	case "-":
		return io.ReadAll(stdin)
	}
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("input file not found: %s", path)
	}
	return buf, err
}

func writeJSON(w io.Writer, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(buf, '\n'))
	return err
}
