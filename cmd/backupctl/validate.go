package main

import (
	"errors"

	backup "github.com/cyrus-imap/backup"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// validateCmd is the doctor-shaped diagnostic of this CLI, grounded on the
// teacher's mcapDoctor (cmd/doctor.go): it opens the backup the way a
// read-only caller would (OpenExisting, so an unregistered user is never
// created) and reports, in color, which of the spec §7
// error kinds the store is currently failing with, rather than treating
// those conditions as programmer-facing Go errors.
var validateCmd = &cobra.Command{
	Use:   "validate <userid>",
	Short: "Check whether a user's backup opens cleanly or needs reindex",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		userid := args[0]
		cfg := loadConfig()

		b, err := backup.OpenExisting(cfg, userid)
		switch {
		case err == nil:
			defer func() { _ = b.Close() }()
			chunks, cerr := b.GetChunks()
			if cerr != nil {
				die("%s: %s", userid, cerr)
			}
			var n int
			for chunks.Next() {
				n++
			}
			_ = chunks.Close()
			color.Green("%s: ok (%d chunks)", userid, n)

		case errors.Is(err, backup.ErrReindexRequired):
			color.Yellow("%s: reindex required — run `backupctl reindex %s`", userid, userid)

		case errors.Is(err, backup.ErrUnknownUser):
			color.Yellow("%s: no backup registered", userid)

		default:
			var mismatch *backup.ChecksumMismatchError
			var corrupt *backup.CorruptLogError
			switch {
			case errors.As(err, &mismatch):
				color.Red("%s: checksum mismatch (%s) — run `backupctl reindex %s`", userid, mismatch.Field, userid)
			case errors.As(err, &corrupt):
				color.Red("%s: corrupt log at offset %d: %s", userid, corrupt.Offset, corrupt.Reason)
			default:
				color.Red("%s: %s", userid, err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
