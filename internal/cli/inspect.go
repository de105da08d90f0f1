package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shayne-snap/llmshrink/internal/display"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/plan"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [model]",
	Short: "Show the architecture family and shape detected for a model",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

var (
	planQuant    string
	planContext  int
	planDevice   string
	planBudgetGB float64
)

var planCmd = &cobra.Command{
	Use:   "plan [model]",
	Short: "Show the quantization config and device placement without converting",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	f := planCmd.Flags()
	f.StringVarP(&planQuant, "quant", "q", "nf4", "Quantization type: nf4 or fp4")
	f.IntVarP(&planContext, "context", "c", 4096, "Context length in tokens")
	f.StringVarP(&planDevice, "device", "d", "auto", "Device mode: auto, gpu or cpu")
	f.Float64Var(&planBudgetGB, "budget-gb", 0, "Accelerator memory budget in GB (overrides detection)")
}

func runResolve(cmd *cobra.Command, args []string) error {
	cat, err := models.NewCatalog()
	if err != nil {
		return err
	}
	src, err := sourceFor(cat, args[0])
	if err != nil {
		return err
	}
	desc, err := current.resolver().Resolve(cmd.Context(), src)
	if err != nil {
		return err
	}
	display.Descriptor(os.Stdout, desc, globalJSON)
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	q, err := models.ParseQuantType(planQuant)
	if err != nil {
		return err
	}
	mode, err := models.ParseDeviceMode(planDevice)
	if err != nil {
		return err
	}
	cat, err := models.NewCatalog()
	if err != nil {
		return err
	}
	src, err := sourceFor(cat, args[0])
	if err != nil {
		return err
	}
	desc, err := current.resolver().Resolve(cmd.Context(), src)
	if err != nil {
		return err
	}

	bf16 := false
	var budget int64
	if sys, err := current.memory().Query(cmd.Context()); err == nil {
		bf16 = sys.BF16()
		budget = int64(sys.BudgetBytes())
	} else {
		current.log.Warn().Err(err).Msg("memory query failed, assuming no accelerator")
	}
	if cmd.Flags().Changed("budget-gb") {
		budget = int64(planBudgetGB * (1 << 30))
	}

	cfg, err := plan.New(bf16).Plan(desc, q, planContext)
	if err != nil {
		return err
	}
	profile, err := placement.New(current.cfg.ActivationOverheadBytes()).Allocate(desc, cfg, mode, budget)
	if err != nil {
		return err
	}
	display.Plan(os.Stdout, desc, cfg, profile, globalJSON)
	return nil
}
