package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"pqratchet/internal/instrument"
	"pqratchet/internal/log"
	"pqratchet/internal/relay"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		addr        string
		metricsAddr string
		logFile     string
		logLevel    string
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "In-memory relay for pre-key bundles and key sync packages",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := log.New(logFile, logLevel, false)
			if err != nil {
				return err
			}
			defer logs.Close()
			l := logs.GetLogger("relay")

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			requests := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "pqratchet",
				Subsystem: "relay",
				Name:      "http_requests_total",
				Help:      "Relay requests by status code and method",
			}, []string{"code", "method"})
			reg.MustRegister(requests)

			handler := promhttp.InstrumentHandlerCounter(requests, relay.NewServer(relay.NewHub(), l))
			servers := []*http.Server{{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				ErrorLog:          logs.GetGoLogger("relay_http", "warning"),
			}}
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", instrument.Handler(reg))
				servers = append(servers, &http.Server{
					Addr:              metricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
					ErrorLog:          logs.GetGoLogger("metrics_http", "warning"),
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, len(servers))
			for _, srv := range servers {
				go func() {
					l.Noticef("listening on %s", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errc <- err
					}
				}()
			}

			select {
			case <-ctx.Done():
			case err = <-errc:
				l.Errorf("serve: %v", err)
			}
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(sctx)
			}
			l.Notice("relay stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics (disabled when empty)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file (default stdout)")
	cmd.Flags().StringVar(&logLevel, "log-level", "NOTICE", "ERROR, WARNING, NOTICE, INFO or DEBUG")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
