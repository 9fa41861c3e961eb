package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pqratchet/internal/instrument"
)

const shutdownTimeout = 5 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay online: apply incoming state, retry queued deliveries, serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := unlock()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if addr := a.Config.Metrics.Address; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", instrument.Handler(registry))
				srv := &http.Server{
					Addr:              addr,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
					ErrorLog:          a.Logs.GetGoLogger("metrics_http", "warning"),
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			fmt.Printf("device %s online, Ctrl-C to stop\n", a.Device().DeviceID)
			return a.Run(ctx)
		},
	}
}
