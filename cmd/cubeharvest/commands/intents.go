package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cubeharvest/cubeharvest/pkg/api"
	"github.com/cubeharvest/cubeharvest/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "deploy <miner|processor>",
		Short: "Deploy a unit through the game server",
		Long: `Deploy a unit through a running game server.

The server debits the unit's price and creates its pod. A Miner needs the
address of the Processor it mines for; the Processor does not have to exist yet.`,
		Example: `  # Deploy a Processor
  cubeharvest deploy processor

  # Deploy a Miner for a Processor
  cubeharvest deploy miner --target 10.244.1.7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := engine.ParseUnitKind(args[0])
			if err != nil {
				return err
			}
			body, err := json.Marshal(api.DeployRequest{Kind: string(kind), TargetAddress: target})
			if err != nil {
				return err
			}

			log.Debug().Str("kind", string(kind)).Str("target", target).Msg("Submitting deploy")
			ack, err := sendIntent(cmd.Context(), http.MethodPost, "/v1/units", body)
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "Processor pod IP a Miner targets")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <unit-id>",
		Short: "Delete a unit through the game server",
		Long: `Delete a unit through a running game server.

The unit is marked Terminating at once and becomes Gone when the cluster
confirms the pod is removed. Deleted units are not refunded.`,
		Example: `  cubeharvest delete miner-1a2b3c4d`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ack, err := sendIntent(cmd.Context(), http.MethodDelete, "/v1/units/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return printAck(ack)
		},
	}

	return cmd
}

// sendIntent submits an intent and decodes the acknowledgment or the error body.
func sendIntent(ctx context.Context, method, path string, body []byte) (engine.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(serverURL, "/")+path, reader)
	if err != nil {
		return engine.Ack{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return engine.Ack{}, fmt.Errorf("failed to reach game server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Ack{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			if apiErr.Code != "" {
				return engine.Ack{}, fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Message, apiErr.Code)
			}
			return engine.Ack{}, fmt.Errorf("%s: %s", resp.Status, apiErr.Message)
		}
		return engine.Ack{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var ack engine.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return engine.Ack{}, fmt.Errorf("invalid server response: %w", err)
	}
	return ack, nil
}

func printAck(ack engine.Ack) error {
	if jsonOutput {
		return printJSON(os.Stdout, ack)
	}
	switch {
	case ack.Status == engine.AckSkipped:
		fmt.Printf("%s: skipped (%s)\n", ack.UnitID, ack.Reason)
	case ack.Cost > 0:
		fmt.Printf("%s: %s, %d credits\n", ack.UnitID, ack.Status, ack.Cost)
	default:
		fmt.Printf("%s: %s\n", ack.UnitID, ack.Status)
	}
	return nil
}
