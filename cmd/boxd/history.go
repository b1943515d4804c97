package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"boxd/infra/history"

	"github.com/spf13/cobra"
)

func historyCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle decisions (requires a running daemon)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.resolve(); err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/v1/history?limit=%d", opts.addr, limit)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("reach daemon at %s: %w", opts.addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %s", resp.Status)
			}

			var entries []history.Entry
			if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
				return fmt.Errorf("decode history: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("No recorded decisions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTRIGGER\tACTION\tDETAIL")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					entry.Time.Local().Format(time.DateTime), entry.Event, entry.Action, entry.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show")
	return cmd
}
