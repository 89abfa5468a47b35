package main

import (
	"github.com/spf13/viper"

	backup "github.com/cyrus-imap/backup"
)

// loadConfig builds a backup.Config from the bound cobra/viper flags (the
// two knobs spec §6 enumerates). Each command constructs its own value and
// passes it into the engine explicitly; there is no package-level
// singleton (spec §9 Design Notes, "Global mutable state").
func loadConfig() backup.Config {
	return backup.Config{
		BackupDataPath: viper.GetString("backup_data_path"),
		BackupsDBPath:  viper.GetString("backups_db_path"),
	}
}
