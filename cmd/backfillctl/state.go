package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wolfman30/waitlist-backfill/internal/backfill"
)

func newStateCmd(a *app) *cobra.Command {
	var apiURL string
	c := &cobra.Command{
		Use:   "state <slot-id>",
		Short: "Show the backfill and current offers for a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimRight(apiURL, "/") + "/api/v1/slots/" + url.PathEscape(args[0]) + "/backfill"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := a.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("get backfill state: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("get backfill state: %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}

			var view backfill.StateView
			if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
				return fmt.Errorf("decode backfill state: %w", err)
			}
			printState(cmd.OutOrStdout(), &view)
			return nil
		},
	}
	c.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "backfill service base URL")
	return c
}

func printState(w io.Writer, view *backfill.StateView) {
	b := view.Backfill
	if b == nil {
		fmt.Fprintln(w, "no backfill")
		return
	}
	fmt.Fprintf(w, "slot %s  state=%s  cycle=%d  round=%d\n", b.SlotID, b.State, b.Cycle, b.Round)
	for _, o := range view.Offers {
		fmt.Fprintf(w, "  %s  %-10s  entry=%s  ref=%s  round=%d\n", o.ID, o.Status, o.WaitlistEntryID, o.ClaimRef, o.Round)
	}
}
