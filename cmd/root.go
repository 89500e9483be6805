package cmd

import (
	"os"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/core/config"
	"github.com/AzielCF/az-publisher/pkg/utils"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfg is the configuration shared by every command, resolved before the command runs.
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "az-publisher",
	Short: "Schedule posts and publish them to several platforms",
	Long: `az-publisher stores posts, schedules them for a future time and delivers them
to every selected platform account with retries and crash recovery.`,
}

func init() {
	// Load .env before flags and environment are resolved
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initEnvConfig)
}

func initFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("port", "p", "", "change port number with --port <number> | example: --port=8080 (default 3000)")
	flags.BoolP("debug", "d", false, "displaying debug log with --debug <true/false> | example: --debug=true")
	flags.StringSliceP("basic-auth", "b", nil, "basic auth credential | -b=yourUsername:yourPassword")
	flags.String("base-path", "", `base path for subpath deployment | example: --base-path="/publisher"`)
	flags.String("db-driver", "", `database driver, sqlite or postgres | example: --db-driver=postgres`)
	flags.Int("workers", 0, "number of dispatch workers on this node | example: --workers=8 (default 4)")
	flags.String("server-id", "", "stable identifier of this node in the cluster")

	_ = viper.BindPFlag("app_port", flags.Lookup("port"))
	_ = viper.BindPFlag("app_debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("app_basic_auth", flags.Lookup("basic-auth"))
	_ = viper.BindPFlag("app_base_path", flags.Lookup("base-path"))
	_ = viper.BindPFlag("db_driver", flags.Lookup("db-driver"))
	_ = viper.BindPFlag("dispatch_workers", flags.Lookup("workers"))
	_ = viper.BindPFlag("server_id", flags.Lookup("server-id"))
}

// initEnvConfig builds the configuration from the environment, then lets
// explicit flags win.
func initEnvConfig() {
	if v := viper.GetString("db_driver"); v != "" {
		_ = os.Setenv("DB_DRIVER", v)
	}

	loaded, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("[CONFIG] %v", err)
	}
	cfg = loaded

	if v := viper.GetString("app_port"); v != "" {
		cfg.App.Port = v
	}
	if viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	if v := viper.GetStringSlice("app_basic_auth"); len(v) > 0 {
		cfg.App.BasicAuth = splitCredentials(v)
	}
	if v := viper.GetString("app_base_path"); v != "" {
		cfg.App.BasePath = v
	}
	if v := viper.GetInt("dispatch_workers"); v > 0 {
		cfg.Dispatch.Workers = v
	}
	if v := viper.GetString("server_id"); v != "" {
		cfg.App.ServerID = v
	}

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// splitCredentials accepts both repeated flags and one comma separated value.
func splitCredentials(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
