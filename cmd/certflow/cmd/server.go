package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/mfairley/certflow/api"
	"github.com/mfairley/certflow/scheduler"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate lifecycle daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		sched, err := scheduler.New(scheduler.Options{
			Store:           rt.store,
			Driver:          rt.engine,
			Logger:          rt.logger,
			Schedule:        rt.cfg.RenewalSchedule,
			Workers:         rt.cfg.RenewalWorkers,
			Enabled:         rt.cfg.EnableAutoRenewalJob,
			BackupRetention: rt.backupRetention(),
		})
		if err != nil {
			return err
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()

		if rt.cfg.EnableFileWatch {
			w, err := scheduler.NewWatcher(scheduler.WatcherOptions{
				Store:  rt.store,
				Driver: rt.engine,
				Logger: rt.logger,
				Notify: rt.engine.WatcherNotify,
			})
			if err != nil {
				return fmt.Errorf("starting file watcher: %w", err)
			}
			sched.AttachWatcher(w)
		}

		a := api.New(rt.engine,
			api.WithLogger(rt.logger),
			api.WithScheduler(sched),
			api.WithActivityLog(rt.events),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              rt.cfg.ListenAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		rt.logger.Info("certflow serving",
			"addr", rt.cfg.ListenAddr,
			"store", rt.cfg.StoreDir,
			"schedule", rt.cfg.RenewalSchedule,
			"autoRenew", rt.cfg.EnableAutoRenewalJob,
			"fileWatch", rt.cfg.EnableFileWatch)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			rt.logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
