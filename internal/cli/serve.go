package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shayne-snap/llmshrink/internal/httpapi"
	"github.com/shayne-snap/llmshrink/internal/metrics"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API for submitting and watching conversions",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config, 127.0.0.1:8089)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := current.cfg.HTTPAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	m := metrics.New()
	svc, store, err := current.service(m)
	if err != nil {
		return err
	}
	srv := &httpapi.Server{
		Jobs:        svc,
		Settings:    store,
		Memory:      current.memory(),
		Metrics:     m,
		Log:         current.log,
		CORSOrigins: current.cfg.CORSOrigins,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = httpapi.ListenAndServe(ctx, addr, srv.Handler(), current.log)
	if cur, ok := svc.Current(); ok && !cur.State().Terminal() {
		current.log.Info().Str("job", cur.ID).Msg("cancelling running job")
		cur.Cancel()
		<-cur.Done()
	}
	return err
}
