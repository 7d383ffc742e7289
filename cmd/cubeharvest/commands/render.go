package commands

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/manifest"
)

func newRenderCommand() *cobra.Command {
	var (
		target string
		name   string
	)

	cmd := &cobra.Command{
		Use:   "render <miner|processor>",
		Short: "Print the pod a deploy would create",
		Long: `Render the pod manifest for a unit without touching the cluster.

Uses the manifest section of the config: the embedded template unless
manifest.template names a file.`,
		Example: `  # Render a Processor pod
  cubeharvest render processor

  # Render a Miner pod from a custom template
  cubeharvest render miner --target 10.0.0.5 --config game.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := engine.ParseUnitKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			renderer, err := manifest.NewRenderer(cfg.ManifestOptions())
			if err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
			}

			if jsonOutput {
				pod, err := renderer.Render(kind, target, name)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, pod)
			}
			out, err := renderer.RenderYAML(kind, target, name)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Miner target address (IP of a processor pod)")
	cmd.Flags().StringVar(&name, "name", "", "pod name (default <kind>-<random>)")

	return cmd
}
