package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// newShowLinksCmd scrapes the running daemon's /metrics endpoint for the
// natif_links_active gauge rather than requiring a second IPC channel just
// for introspection — the metrics surface already carries this data.
func newShowLinksCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "show-links",
		Short: "show active NAT link counts from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + metricsAddr + "/metrics")
			if err != nil {
				return fmt.Errorf("fetch metrics: %w", err)
			}
			defer resp.Body.Close()

			sc := bufio.NewScanner(resp.Body)
			found := false
			for sc.Scan() {
				line := sc.Text()
				if strings.HasPrefix(line, "natif_links_active{") {
					fmt.Println(line)
					found = true
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
			if !found {
				fmt.Println("no active links reported")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "localhost:9530", "address of the running daemon's metrics endpoint")
	return cmd
}
