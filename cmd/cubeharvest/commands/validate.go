package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/manifest"
	"github.com/cubeharvest/cubeharvest/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var policyDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the game configuration",
		Long: `Validate the game configuration without starting the server.

This command checks:
  - YAML syntax and unknown keys
  - Field constraints (costs, intervals, addresses)
  - The pod template renders a valid unit pod for both kinds
  - Admission policies compile (OPA/rego)`,
		Example: `  # Validate the defaults
  cubeharvest validate

  # Validate a config file
  cubeharvest validate --config game.yaml

  # Validate extra policies
  cubeharvest validate --policies ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if policyDir == "" {
				policyDir = cfg.Policy.Dir
			}

			log.Info().
				Str("config", configPath).
				Str("policies", policyDir).
				Msg("Validating configuration")

			renderer, err := manifest.NewRenderer(cfg.ManifestOptions())
			if err != nil {
				return err
			}
			if _, err := renderer.Render(engine.KindProcessor, "", "processor-validate"); err != nil {
				return fmt.Errorf("processor template: %w", err)
			}
			if _, err := renderer.Render(engine.KindMiner, "10.0.0.1", "miner-validate"); err != nil {
				return fmt.Errorf("miner template: %w", err)
			}

			eng, err := policy.NewEngine(log.Logger, policy.Limits{
				MaxUnits:        cfg.Policy.MaxUnits,
				MaxUnitsPerNode: cfg.Policy.MaxUnitsPerNode,
			})
			if err != nil {
				return err
			}
			if policyDir != "" {
				if err := eng.LoadPolicies(cmd.Context(), []string{policyDir}); err != nil {
					return err
				}
			}

			fmt.Printf("configuration valid: template %s, %d policies\n", renderer.Source(), len(eng.ListPolicies()))
			return nil
		},
	}

	cmd.Flags().StringVar(&policyDir, "policies", "", "policy directory (overrides config)")

	return cmd
}
