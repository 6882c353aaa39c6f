package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfairley/certflow/store"
)

var checkDays int

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "List certificates expiring soon",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		days := checkDays
		if days <= 0 {
			days = rt.cfg.RenewDaysBeforeExpiry
		}

		expiring := rt.store.List(store.Filter{
			ExpiringWithin: time.Duration(days) * 24 * time.Hour,
		})
		if len(expiring) == 0 {
			fmt.Printf("no certificates expire within %d days\n", days)
			return nil
		}

		now := time.Now()
		for _, cert := range expiring {
			left := int(cert.Validity.NotAfter.Sub(now).Hours() / 24)
			fmt.Printf("%-30s %-14s expires %s (%d days)  autoRenew=%t\n",
				cert.Name, cert.Type, cert.Validity.NotAfter.Format("2006-01-02"),
				left, cert.Config.AutoRenew)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().IntVar(&checkDays, "days", 0, "Expiry window in days (default: renewDaysBeforeExpiry)")
}
