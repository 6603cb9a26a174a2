package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/stratum/internal/cli"
	"github.com/pthm/stratum/internal/update"
	"github.com/pthm/stratum/internal/version"
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Info())
		if !versionCheck {
			return nil
		}

		info, err := update.CheckWithCache(cmd.Context())
		if err != nil {
			return cli.GeneralError("checking for updates", err)
		}
		if info.UpdateAvailable {
			fmt.Println(warnStyle.Render(fmt.Sprintf("Update available: %s -> %s", info.CurrentVersion, info.LatestVersion)))
			if info.ReleaseURL != "" {
				fmt.Println("  " + info.ReleaseURL)
			}
		} else {
			fmt.Println(okStyle.Render("stratum is up to date."))
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer release")
}
