package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shayne-snap/llmshrink/internal/display"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/settings"
	"github.com/shayne-snap/llmshrink/internal/tui"
)

var (
	convertQuant       string
	convertContext     int
	convertDevice      string
	convertOutput      string
	convertBudgetGB    float64
	convertDoubleQuant bool
	convertNoTUI       bool
)

var convertCmd = &cobra.Command{
	Use:   "convert [model]",
	Short: "Quantize a model into a bnb4 artifact",
	Long: "Converts a HuggingFace repo id, hf:// URI, local directory or catalog name into a 4-bit artifact written to <output>/<repo>-bnb4.\n" +
		"Unset flags default to the last successful conversion's settings. Without a model argument the last used model is converted.\n\n" +
		"Context lengths offered: " + contextChoices() + ".",
	Args: cobra.MaximumNArgs(1),
	RunE: runConvert,
}

func init() {
	addConvertFlags(convertCmd.Flags())
}

func addConvertFlags(f *pflag.FlagSet) {
	f.StringVarP(&convertQuant, "quant", "q", "", "Quantization type: nf4 or fp4")
	f.IntVarP(&convertContext, "context", "c", 0, "Context length in tokens")
	f.StringVarP(&convertDevice, "device", "d", "", "Device mode: auto, gpu or cpu")
	f.StringVarP(&convertOutput, "output", "o", "", "Output directory")
	f.Float64Var(&convertBudgetGB, "budget-gb", 0, "Accelerator memory budget in GB (overrides detection)")
	f.BoolVar(&convertDoubleQuant, "double-quant", false, "Quantize the per-block scales as well")
	f.BoolVar(&convertNoTUI, "no-tui", false, "Print progress lines instead of the interactive viewer")
}

// convertRequest fills a job request from flags, falling back to saved settings.
func convertRequest(cmd *cobra.Command, args []string, rec settings.Record, cat *models.Catalog) (job.Request, error) {
	req := job.Request{
		SourceURI:       rec.SourceURI,
		QuantType:       rec.QuantType,
		ContextLength:   rec.ContextLength,
		DeviceMode:      rec.DeviceMode,
		OutputDirectory: rec.OutputDirectory,
	}
	if len(args) == 1 {
		src, err := sourceFor(cat, args[0])
		if err != nil {
			return req, err
		}
		req.SourceURI = src
	}
	if req.SourceURI == "" {
		return req, errors.New("no model given and no previous conversion to repeat")
	}
	f := cmd.Flags()
	if f.Changed("quant") {
		q, err := models.ParseQuantType(convertQuant)
		if err != nil {
			return req, err
		}
		req.QuantType = q
	}
	if f.Changed("context") {
		req.ContextLength = convertContext
	}
	if f.Changed("device") {
		m, err := models.ParseDeviceMode(convertDevice)
		if err != nil {
			return req, err
		}
		req.DeviceMode = m
	}
	if f.Changed("output") {
		req.OutputDirectory = convertOutput
	}
	if f.Changed("budget-gb") {
		if convertBudgetGB < 0 {
			return req, fmt.Errorf("--budget-gb must not be negative")
		}
		b := int64(convertBudgetGB * (1 << 30))
		req.BudgetBytes = &b
	}
	if f.Changed("double-quant") {
		dq := convertDoubleQuant
		req.DoubleQuant = &dq
	}
	return req, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	svc, store, err := current.service(nil)
	if err != nil {
		return err
	}
	cat, err := models.NewCatalog()
	if err != nil {
		return err
	}
	req, err := convertRequest(cmd, args, store.Load(), cat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()
	id, err := svc.Submit(req)
	if err != nil {
		return err
	}
	cancel := func() { _ = svc.Cancel(id) }

	out := cmd.OutOrStdout()
	useTUI := !convertNoTUI && !globalJSON && isatty.IsTerminal(os.Stdout.Fd())
	if useTUI {
		err := tui.Run(ctx, id, req.SourceURI, nil, events, cancel)
		if err != nil && ctx.Err() == nil {
			current.log.Warn().Err(err).Msg("progress viewer stopped")
		}
	} else {
		follow(ctx, out, svc, id, events, cancel)
	}

	// The viewer may exit on a signal before the worker finishes.
	if ctx.Err() != nil {
		cancel()
	}
	snap, err := svc.Wait(context.Background(), id)
	if err != nil {
		return err
	}
	display.Job(out, snap, globalJSON)
	if snap.State != job.StateCompleted {
		return fmt.Errorf("conversion %s", snap.State)
	}
	return nil
}

// follow prints job events as lines until the job is done. A signal cancels
// the job and keeps following until the worker stops.
func follow(ctx context.Context, out io.Writer, svc *job.Service, id string, events <-chan job.Event, cancel func()) {
	j, ok := svc.Get(id)
	if !ok {
		return
	}
	last := 0
	emit := func(ev job.Event) {
		if ev.JobID != id || ev.Seq <= last {
			return
		}
		last = ev.Seq
		if !globalJSON {
			fmt.Fprintln(out, progressLine(ev))
		}
	}
	sigs := ctx.Done()
	for {
		select {
		case ev := <-events:
			emit(ev)
		case <-sigs:
			sigs = nil
			cancel()
		case <-j.Done():
			// Entries the subscription dropped are still in the job log.
			for _, ev := range j.Snapshot().Log {
				emit(ev)
			}
			return
		}
	}
}

func progressLine(ev job.Event) string {
	return fmt.Sprintf("[%3.0f%%] %-10s %s", ev.Fraction*100, ev.Stage, ev.Message)
}
