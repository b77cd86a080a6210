package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults and environment overrides
(NETCORE_* variables) have been applied.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfigDump(configFile, os.Stdout); err != nil {
			exitWithError("failed to dump config", err)
		}
	},
}

func runConfigDump(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	data, err := cfg.Dump()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
