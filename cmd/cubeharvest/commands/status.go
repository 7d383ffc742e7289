package commands

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cubeharvest/cubeharvest/pkg/cluster"
	"github.com/cubeharvest/cubeharvest/pkg/engine"
	"github.com/cubeharvest/cubeharvest/pkg/observer"
)

// statusReport is what the cluster reports right now, without a game server.
type statusReport struct {
	Namespace string                `json:"namespace"`
	Nodes     []engine.ObservedNode `json:"nodes"`
	Pods      []engine.ObservedPod  `json:"pods"`
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List nodes and unit pods from the cluster",
		Long: `List nodes and unit pods directly from the cluster.

This bypasses the game server: it checks that the API server answers, then
performs one list call per resource and prints what the cluster reports. Pods
without the unit-type label are not shown.`,
		Example: `  # Show cluster status
  cubeharvest status

  # Machine-readable output
  cubeharvest status --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := cluster.NewClientFromConfig(cfg.Cluster)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := client.Ping(ctx); err != nil {
				return fmt.Errorf("api server unreachable: %w", err)
			}
			nodes, _, err := client.ListNodes(ctx)
			if err != nil {
				return fmt.Errorf("failed to list nodes: %w", err)
			}
			pods, _, err := client.ListPods(ctx)
			if err != nil {
				return fmt.Errorf("failed to list pods: %w", err)
			}

			report := statusReport{Namespace: client.Namespace()}
			for i := range nodes {
				report.Nodes = append(report.Nodes, observer.NodeToObserved(&nodes[i]))
			}
			for i := range pods {
				if p, ok := observer.PodToObserved(&pods[i]); ok {
					report.Pods = append(report.Pods, p)
				}
			}
			sort.Slice(report.Nodes, func(i, j int) bool { return report.Nodes[i].Name < report.Nodes[j].Name })
			sort.Slice(report.Pods, func(i, j int) bool { return report.Pods[i].Name < report.Pods[j].Name })

			log.Debug().
				Int("nodes", len(report.Nodes)).
				Int("pods", len(report.Pods)).
				Msg("Listed cluster state")

			if jsonOutput {
				return printJSON(os.Stdout, report)
			}
			return printStatus(report)
		},
	}

	return cmd
}

func printStatus(report statusReport) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "NODE\tLABEL\tREADY\tCPU(m)\tMEMORY(Mi)\tPODS")
	for _, n := range report.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%d\t%d\n",
			n.Name, n.Label, n.Ready, n.Capacity.CPUMillis, n.Capacity.MemoryBytes>>20, n.Capacity.Pods)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "UNIT (%s)\tKIND\tPHASE\tREADY\tNODE\tIP\tTARGET\n", report.Namespace)
	for _, p := range report.Pods {
		phase := string(p.Phase)
		if p.Deleting {
			phase += " (deleting)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
			p.Name, p.Kind, phase, p.Ready, dash(p.NodeName), dash(p.IP), dash(p.Target))
	}

	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
