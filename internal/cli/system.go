package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/shayne-snap/llmshrink/internal/display"
	"github.com/shayne-snap/llmshrink/internal/models"
)

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "Show host memory, CPU and accelerator availability",
	RunE:  runSystem,
}

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "List supported architecture families and their quantization policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		display.Families(os.Stdout, globalJSON)
		return nil
	},
}

var catalogGroup string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the curated models that can be converted by name",
	RunE:  runCatalog,
}

func init() {
	catalogCmd.Flags().StringVarP(&catalogGroup, "group", "g", "", "Only show one group: vision, translation or llm")
}

func runSystem(cmd *cobra.Command, args []string) error {
	specs, err := current.memory().Query(cmd.Context())
	if err != nil {
		return err
	}
	display.System(os.Stdout, specs, globalJSON)
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cat, err := models.NewCatalog()
	if err != nil {
		return err
	}
	entries := cat.Entries()
	if catalogGroup != "" {
		entries = cat.Group(catalogGroup)
	}
	display.Catalog(os.Stdout, entries, globalJSON)
	return nil
}
