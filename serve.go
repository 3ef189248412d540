package main

import (
	"context"
	"errors"
	golog "log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/postdir/authdb"
	"github.com/mjl-/postdir/mlog"
	postdir "github.com/mjl-/postdir/postdir-"
	"github.com/mjl-/postdir/postdirvar"
	"github.com/mjl-/postdir/webadmin"
)

func cmdServe(c *cmd) {
	c.help = `Start postdir, serving the admin HTTP API.

The configured directories are built at startup. Directories that cannot be
constructed, e.g. because a backend server is down, are skipped with a
diagnostic and the remaining directories keep working. SIGHUP reloads the
configuration file and rebuilds the directories.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	// Set debug logging until config is fully loaded.
	mlog.Logfmt = true
	postdir.Conf.Log[""] = mlog.LevelDebug
	mlog.SetConfig(postdir.Conf.Log)

	log := c.log

	postdir.MustLoadConfig(postdir.Context, log)
	log.Print("starting", slog.String("version", postdirvar.Version), slog.Any("pid", os.Getpid()), slog.String("config", postdir.ConfigPath))

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	postdir.Shutdown = shutdownCtx
	postdir.ShutdownCancel = shutdownCancel
	postdir.Context = context.Background()

	la := postdir.Conf.File().LoginAttempts
	if !la.Disabled {
		err := authdb.Init(postdir.Context, postdir.DataDirPath("auth.db"), la.RetentionDays, la.CleanupInterval, la.MaxPerAccount)
		if err != nil {
			log.Fatalx("opening login attempt database", err)
		}
	}

	var adminServer *http.Server
	adminAddr := postdir.Conf.File().Admin.Address
	if adminAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/", webadmin.Handle)
		mux.Handle("/metrics", promhttp.Handler())
		adminServer = &http.Server{
			Addr:     adminAddr,
			Handler:  mux,
			ErrorLog: golog.New(mlog.LogWriter(mlog.New("webadmin", nil), slog.LevelInfo, "http error"), "", 0),
		}
		ln, err := net.Listen("tcp", adminAddr)
		if err != nil {
			log.Fatalx("listening for admin api", err, slog.String("address", adminAddr))
		}
		log.Print("serving admin api", slog.String("address", adminAddr))
		go func() {
			err := adminServer.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalx("serving admin api", err)
			}
		}()
		go webadmin.ManageAuthCache()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigc
		if sig == syscall.SIGHUP {
			log.Print("reloading configuration")
			errs := postdir.LoadConfig(postdir.Context, log)
			for _, err := range errs {
				log.Errorx("reloading configuration", err)
			}
			if len(errs) > 0 {
				log.Print("configuration not reloaded, keeping previous configuration")
			}
			continue
		}

		log.Print("shutting down, waiting max 3s for open requests", slog.Any("signal", sig))
		shutdown(log, adminServer)
		if num, ok := sig.(syscall.Signal); ok {
			os.Exit(int(num))
		}
		os.Exit(1)
	}
}

func shutdown(log mlog.Log, adminServer *http.Server) {
	// New backend operations are rejected. In-progress lookups get a chance to
	// finish.
	postdir.ShutdownCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if adminServer != nil {
		err := adminServer.Shutdown(ctx)
		log.Check(err, "shutting down admin api")
	}
	postdir.Conf.Registry().Close(log)
	if !postdir.Conf.File().LoginAttempts.Disabled {
		err := authdb.Close()
		log.Check(err, "closing login attempt database")
	}
}
