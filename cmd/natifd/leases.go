package main

import (
	"fmt"
	"net"

	"github.com/ifrouter/natif/leasestore"
	"github.com/spf13/cobra"
)

func newShowLeasesCmd() *cobra.Command {
	var leaseDBPath, domain string
	cmd := &cobra.Command{
		Use:   "show-leases",
		Short: "list DHCP leases persisted for a domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := leasestore.Open(leaseDBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			leases, err := store.Load(domain)
			if err != nil {
				return err
			}
			if len(leases) == 0 {
				fmt.Println("no leases")
				return nil
			}
			for _, l := range leases {
				fmt.Printf("%-16s %-20s %s\n", net.IP(l.Addr[:]), net.HardwareAddr(l.HWAddr[:]), l.Hostname)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&leaseDBPath, "lease-db", "natifd.leases.db", "path to the bbolt lease database")
	cmd.Flags().StringVar(&domain, "domain", "lan", "domain whose leases to list")
	return cmd
}
