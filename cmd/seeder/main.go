package main

import (
	"os"
	"time"

	"github.com/arhyth/ledgerxgo"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	var (
		cfgPath string
		dataDir string
		reset   bool
	)
	cmd := &cobra.Command{
		Use:   "seeder",
		Short: "Create the ledger schema and seed the configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := ledgerxgo.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			lh, err := ledgerxgo.NewLocalHelper(ctx, cfg, dataDir)
			if err != nil {
				return err
			}
			defer lh.Conn.Close(ctx)
			if _, err = lh.InitDB(ctx); err != nil {
				return err
			}
			accts := cfg.Accounts(time.Now())
			if err = lh.SeedAccounts(ctx, accts); err != nil {
				return err
			}
			if reset {
				pgendpt, err := ledgerxgo.NewPostgresEndpoint(ctx, cfg.Database.ConnectionString, &logger)
				if err != nil {
					return err
				}
				defer pgendpt.Close()
				if err = pgendpt.SeedAccounts(ctx, accts); err != nil {
					return err
				}
				logger.Info().Msg("seeded balances restored")
			}
			logger.Info().Int("accounts", len(accts)).Msg("database seeded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config.yml", "path to configuration file")
	cmd.Flags().StringVar(&dataDir, "data", "testdata", "directory holding the schema and seed templates")
	cmd.Flags().BoolVar(&reset, "reset", false, "overwrite existing seeded accounts with the configured balances")

	if err := cmd.Execute(); err != nil {
		logger.Fatal().Err(err).Msg("seeding failed")
	}
}
