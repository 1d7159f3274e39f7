// Command mailwatch manages the account registry used by the engine:
// list, add, and remove accounts, and tune poll intervals. It works on
// the database directly, so a running engine picks the changes up
// through its registry watch.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mailwatch/mailwatch/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
)

type cliConfig struct {
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"storage"`
}

var cfg cliConfig

var rootCmd = &cobra.Command{
	Use:   "mailwatch",
	Short: "Manage mailwatch accounts and polling settings",
	Long: `mailwatch administers the account registry behind the new-mail
notification engine. Accounts added here are picked up by a running
engine automatically; credentials are never readable through this tool.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var configPathFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Config file (default searches ~/.config/mailwatch)")

	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRemoveCmd)
	accountsCmd.AddCommand(accountsEnableCmd)
	accountsCmd.AddCommand(accountsDisableCmd)
	accountsCmd.AddCommand(accountsIntervalCmd)
	rootCmd.AddCommand(intervalCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPathFlag != "" {
		v.SetConfigFile(configPathFlag)
	} else {
		v.SetConfigName("mailwatch")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mailwatch"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MAILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPathFlag != "" {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Storage.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("no storage path configured and no home directory: %w", err)
		}
		cfg.Storage.Path = filepath.Join(home, ".config", "mailwatch", "accounts.db")
	}
	return nil
}

func openRegistry() (*registry.Registry, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return registry.Open(cfg.Storage.Path)
}

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "acc"},
	Short:   "Inspect and modify registered accounts",
}

var accountsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		accounts, err := reg.List(context.Background())
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Println("no accounts registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tENDPOINT\tENABLED\tLOGGED IN\tINTERVAL")
		for _, a := range accounts {
			interval := "default"
			if a.PollInterval > 0 {
				interval = a.PollInterval.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\n",
				a.ID, a.Email, a.Endpoint, a.Enabled, a.LoggedIn, interval)
		}
		return w.Flush()
	},
}

var (
	addEmailFlag       string
	addEndpointFlag    string
	addDisplayNameFlag string
	addIntervalFlag    time.Duration
)

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new account",
	Long: `Register a new account in the registry. The account starts enabled
and logged out; a running engine begins polling it once a login
completes through the engine API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		a := registry.Account{
			ID:           uuid.NewString(),
			Email:        addEmailFlag,
			Endpoint:     addEndpointFlag,
			DisplayName:  addDisplayNameFlag,
			Enabled:      true,
			PollInterval: addIntervalFlag,
		}
		if err := reg.Insert(context.Background(), &a); err != nil {
			return err
		}
		fmt.Printf("added account %s (%s)\n", a.Email, a.ID)
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().StringVar(&addEmailFlag, "email", "", "Account email address (required)")
	accountsAddCmd.Flags().StringVar(&addEndpointFlag, "endpoint", "", "Provider endpoint URL (required)")
	accountsAddCmd.Flags().StringVar(&addDisplayNameFlag, "name", "", "Display name")
	accountsAddCmd.Flags().DurationVar(&addIntervalFlag, "interval", 0, "Poll interval override (0 uses the default)")
	accountsAddCmd.MarkFlagRequired("email")
	accountsAddCmd.MarkFlagRequired("endpoint")
}

var accountsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an account and its stored credentials",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		if err := reg.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("removed account %s\n", args[0])
		return nil
	},
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable polling for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable polling for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

func setEnabled(id string, enabled bool) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.SetEnabled(context.Background(), id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("account %s %s\n", id, state)
	return nil
}

var accountsIntervalCmd = &cobra.Command{
	Use:   "set-interval <id> <duration>",
	Short: "Override one account's poll interval (0 restores the default)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[1], err)
		}
		if d < 0 {
			return fmt.Errorf("interval must not be negative")
		}

		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		if err := reg.SetPollInterval(context.Background(), args[0], d); err != nil {
			return err
		}
		fmt.Printf("account %s interval set to %s\n", args[0], args[1])
		return nil
	},
}

var intervalCmd = &cobra.Command{
	Use:   "default-interval [duration]",
	Short: "Show or set the default poll interval",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx := context.Background()
		if len(args) == 0 {
			d, err := reg.DefaultPollInterval(ctx)
			if err != nil {
				return err
			}
			fmt.Println(d)
			return nil
		}

		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}
		if err := reg.SetDefaultPollInterval(ctx, d); err != nil {
			return err
		}
		fmt.Printf("default interval set to %s\n", args[0])
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
