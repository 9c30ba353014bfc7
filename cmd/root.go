package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/overstory-labs/terrascout/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "terrascout",
	Short: "Large-area terrain anomaly survey pipeline",
	Long:  "Tiles an area of interest into a degree grid, screens each tile for low-NDVI high-elevation patches, ranks the surviving ground by z-scored metrics, and asks an advisory model to assess the shortlist.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
