package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shayne-snap/llmshrink/internal/display"
	"github.com/shayne-snap/llmshrink/internal/models"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change the defaults used by convert",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := current.store()
		if err != nil {
			return err
		}
		display.Settings(os.Stdout, store.Load(), store.Path, globalJSON)
		return nil
	},
}

var (
	saveQuant   string
	saveContext int
	saveDevice  string
	saveOutput  string
	saveModel   string
)

var settingsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save new defaults; unset flags keep their saved value",
	RunE:  runSettingsSave,
}

var settingsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the settings file so built-in defaults apply",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := current.store()
		if err != nil {
			return err
		}
		if err := store.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Settings reset (%s)\n", store.Path)
		return nil
	},
}

func init() {
	f := settingsSaveCmd.Flags()
	f.StringVarP(&saveQuant, "quant", "q", "", "Quantization type: nf4 or fp4")
	f.IntVarP(&saveContext, "context", "c", 0, "Context length in tokens")
	f.StringVarP(&saveDevice, "device", "d", "", "Device mode: auto, gpu or cpu")
	f.StringVarP(&saveOutput, "output", "o", "", "Output directory")
	f.StringVarP(&saveModel, "model", "m", "", "Model to convert when none is given")

	settingsCmd.AddCommand(settingsShowCmd, settingsSaveCmd, settingsResetCmd)
}

func runSettingsSave(cmd *cobra.Command, args []string) error {
	store, err := current.store()
	if err != nil {
		return err
	}
	rec := store.Load()
	f := cmd.Flags()
	if f.Changed("quant") {
		if rec.QuantType, err = models.ParseQuantType(saveQuant); err != nil {
			return err
		}
	}
	if f.Changed("context") {
		if saveContext <= 0 {
			return fmt.Errorf("--context must be positive")
		}
		rec.ContextLength = saveContext
	}
	if f.Changed("device") {
		if rec.DeviceMode, err = models.ParseDeviceMode(saveDevice); err != nil {
			return err
		}
	}
	if f.Changed("output") {
		rec.OutputDirectory = saveOutput
	}
	if f.Changed("model") {
		cat, err := models.NewCatalog()
		if err != nil {
			return err
		}
		if rec.SourceURI, err = sourceFor(cat, saveModel); err != nil {
			return err
		}
	}
	if err := store.Save(rec); err != nil {
		return err
	}
	display.Settings(os.Stdout, rec, store.Path, globalJSON)
	return nil
}
