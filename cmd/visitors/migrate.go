package main

import (
	"fmt"

	"github.com/LdDl/mot-visitors/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage visitor database schema",
	Long:      `Apply pending migrations (up), roll back the latest one (down) or print the current schema version.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	// Open applies pending migrations itself
	db, err := openHistory()
	if err != nil {
		return err
	}
	defer db.Close()

	switch args[0] {
	case "up":
		if err := db.MigrateUp(); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action '%s'", args[0])
	}
	return printVersion(db)
}

func printVersion(db *storage.DB) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d", version)
	if dirty {
		fmt.Print(" (dirty)")
	}
	fmt.Println()
	return nil
}
