// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostfactory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"git.arvados.org/awsprov.git/lib/cloud"
	"git.arvados.org/awsprov.git/lib/cmd"
	"git.arvados.org/awsprov.git/sdk/go/ctxlog"
	"git.arvados.org/awsprov.git/sdk/go/health"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// monitorCommand runs the spot reclaim monitor until it is
// interrupted, serving metrics and health checks on the management
// address if one is configured.
type monitorCommand struct {
	getenv func(string) string
	ctx    context.Context // enables tests to shut down the monitor

	// If non-nil, receives the management listener's address
	// once it is listening.
	listening chan<- string
}

func (mc *monitorCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := cmd.NewFlagSet()
	driver := flags.String("driver", "ec2", "cloud `driver`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	e, logfile, err := setup(mc.getenv, *driver, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	defer logfile.Close()
	defer e.Close()
	logger := e.logger.WithField("Command", "reclaim-monitor")
	err = mc.run(e, logger)
	if err != nil {
		logger.WithError(err).Error("exiting")
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	return 0
}

func (mc *monitorCommand) run(e *env, logger logrus.FieldLogger) error {
	if !e.cfg.SpotTerminateOnReclaim {
		return errors.New("AWS_SPOT_TERMINATE_ON_RECLAIM is not enabled")
	}
	prv, err := e.Provider()
	if err != nil {
		return err
	}
	rm, ok := prv.(cloud.ReclaimMonitor)
	if !ok {
		return fmt.Errorf("driver %q does not support reclaim monitoring", e.driver)
	}

	ctx, cancel := signal.NotifyContext(mc.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	done := rm.StartReclaimMonitor(ctx)

	if addr := e.cfg.ManagementAddress; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			<-done
			return err
		}
		srv := &http.Server{
			Handler:           managementHandler(e.registry, e.cfg.ManagementToken, done, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go srv.Serve(ln)
		defer srv.Close()
		logger.WithField("Listen", ln.Addr().String()).Info("serving metrics and health checks")
		if mc.listening != nil {
			mc.listening <- ln.Addr().String()
		}
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}
	<-done
	return nil
}

// managementHandler serves /metrics and /_health/ping. The health
// check fails once the monitor loop has exited.
func managementHandler(reg *prometheus.Registry, token string, done <-chan struct{}, logger logrus.FieldLogger) http.Handler {
	mux := httprouter.New()
	metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token: token,
		Log: func(r *http.Request, err error) {
			logger.WithError(err).WithField("Path", r.URL.Path).Debug("health check")
		},
		Routes: health.Routes{"ping": func() error {
			select {
			case <-done:
				return errors.New("reclaim monitor stopped")
			default:
				return nil
			}
		}},
	})
	return mux
}
