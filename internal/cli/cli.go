// Package cli implements the relauth command line tool.
//
// Configuration follows the usual precedence: flags, then RELAUTH_*
// environment variables, then a relauth.yaml config file, then defaults.
package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// Both Postgres drivers the engine supports; --driver selects one.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"github.com/giusedb/relauth"
)

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "relauth",
	Short: "Contextual authorization engine tooling",
	Long: `relauth manages the database schema backing the relauth engine:
the identity tables and the grant relations permission checks read.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the engine's tables",
	Long: `Apply the engine's DDL to the configured database. Migration is
idempotent and safe to re-run; existing tables are left untouched.`,
	Example: `  # Migrate using a connection URL
  relauth migrate --db postgres://localhost/app

  # Migrate through the lib/pq driver instead of pgx
  relauth migrate --db postgres://localhost/app --driver postgres`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := viper.GetString("db.url")
		if url == "" {
			return fmt.Errorf("no database URL configured (--db, RELAUTH_DB_URL, or relauth.yaml)")
		}
		driver := viper.GetString("db.driver")

		db, err := sql.Open(driver, url)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() { _ = db.Close() }()

		if err := relauth.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		log.Info("schema up to date")
		return nil
	},
}

func loadConfig() error {
	viper.SetConfigName("relauth")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("RELAUTH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("db.driver", "pgx")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	if viper.GetBool("verbose") {
		log.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database connection URL")
	rootCmd.PersistentFlags().String("driver", "pgx", `database/sql driver ("pgx" or "postgres")`)
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	_ = viper.BindPFlag("db.url", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("db.driver", rootCmd.PersistentFlags().Lookup("driver"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
