package main

import (
	backup "github.com/cyrus-imap/backup"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex <userid>",
	Short: "Rebuild a user's index by replaying their replication log",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		userid := args[0]
		cfg := loadConfig()

		logPath, idxPath, err := backup.GetPaths(cfg, userid)
		if err != nil {
			die("%s: %s", userid, err)
		}
		b, err := backup.OpenPaths(cfg, logPath, idxPath, backup.ModeReindex)
		if err != nil {
			die("reindex %s: %s", userid, err)
		}
		defer func() { _ = b.Close() }()

		color.Green("reindexed %s (%s)", userid, logPath)
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
