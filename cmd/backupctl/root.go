package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "backupctl",
	Short: "Operator tool for the per-user replication backup store",
}

// Execute runs the root command, the same top-level entry point shape the
// teacher's mcap CLI uses.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func die(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.backupctl.yaml)")
	rootCmd.PersistentFlags().String("data-path", "", "root directory for per-user log files (backup_data_path)")
	rootCmd.PersistentFlags().String("db-path", "", "directory file location (backups_db_path); defaults under data-path")
	_ = viper.BindPFlag("backup_data_path", rootCmd.PersistentFlags().Lookup("data-path"))
	_ = viper.BindPFlag("backups_db_path", rootCmd.PersistentFlags().Lookup("db-path"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".backupctl")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
