package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cdp-go/internal/app"
	"cdp-go/internal/config"
	"cdp-go/internal/encryption"
	"cdp-go/internal/restore"
	"cdp-go/internal/version"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig reads the config file named by the defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newClientApp reads the config and creates a ClientApp. The caller must
// call Close with the command's final error.
func newClientApp(operation, params string) (*app.ClientApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewClientApp(cfg, operation, params)
	if err != nil {
		return nil, fmt.Errorf("initializing client: %w", err)
	}
	return a, nil
}

// queryOptions collects the record selection flags of list and restore.
func queryOptions(cmd *cobra.Command) app.QueryOptions {
	flags := cmd.Flags()
	opts := app.QueryOptions{}
	opts.Hostname, _ = flags.GetString("host")
	opts.UID, _ = flags.GetInt("uid")
	opts.GID, _ = flags.GetInt("gid")
	opts.Owner, _ = flags.GetString("owner")
	opts.Group, _ = flags.GetString("group")
	opts.FilenamePattern, _ = flags.GetString("filename")
	opts.Date, _ = flags.GetString("date")
	opts.AfterDate, _ = flags.GetString("after")
	opts.BeforeDate, _ = flags.GetString("before")
	return opts
}

func addQueryFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("host", "", "Hostname the files were backed up from (default: this host)")
	flags.Int("uid", -1, "Owner uid (default: current user)")
	flags.Int("gid", -1, "Owner gid (default: current user's group)")
	flags.String("owner", "", "Owner name (default: current user)")
	flags.String("group", "", "Group name (default: current user's group)")
	flags.StringP("filename", "f", "", "Case-insensitive regular expression on the file name")
	flags.StringP("date", "d", "", "Prefix of the modification date, e.g. 2024-01")
	flags.String("after", "", "Only files modified at or after this date")
	flags.String("before", "", "Only files modified before this date")
}

var rootCmd = &cobra.Command{
	Use:          "cdp",
	Short:        "Deduplicating backup server and client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Host ID:     %s\n", cfg.HostID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Listen:      %s\n", cfg.Server.Listen)
		fmt.Printf("Backend:     %s\n", cfg.Backend.Type)
		fmt.Printf("Encryption:  %s\n", cfg.Encryption.Type)
		fmt.Printf("Server URL:  %s\n", cfg.Client.ServerURL)
		fmt.Printf("Chunking:    %s (compression %s)\n", cfg.Client.Chunking, cfg.Client.Compression)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the age key pair that seals stored chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		keys := encryption.NewAgeKeys(cfg.Encryption)
		if keys.IsConfigured() {
			return encryption.ErrKeysExist
		}
		passphrase, err := app.ReadNewPassphrase()
		if err != nil {
			return err
		}
		if err := keys.Setup(passphrase); err != nil {
			return fmt.Errorf("creating keys: %w", err)
		}

		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		if cfg.Encryption.Type != "age" {
			fmt.Println(`Set type = "age" in the [encryption] section to use them.`)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Server.Listen = listen
		}

		srv, err := app.NewServerApp(cmd.Context(), cfg, app.Passphrase)
		if err != nil {
			return fmt.Errorf("initializing server: %w", err)
		}
		fmt.Printf("Serving on %s\n", cfg.Server.Listen)
		return srv.Run(cmd.Context(), nil)
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup PATH...",
	Short: "Back up files and directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		recursive, _ := cmd.Flags().GetBool("recursive")

		a, err := newClientApp("backup", strings.Join(args, " "))
		if err != nil {
			return err
		}
		defer func() { a.Close(err) }()

		sum, err := a.Backup(cmd.Context(), args, recursive)
		fmt.Println(app.FormatSummary(sum))
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest backed-up version of matching files",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newClientApp("list", "")
		if err != nil {
			return err
		}
		defer func() { a.Close(err) }()

		q, err := a.Query(queryOptions(cmd))
		if err != nil {
			return err
		}
		records, err := a.List(cmd.Context(), q)
		if err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No files found.")
			return nil
		}
		for i := range records {
			fmt.Println(restore.FormatRecord(&records[i], nil))
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the latest version of the last matching file",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		where, _ := cmd.Flags().GetString("where")

		a, err := newClientApp("restore", where)
		if err != nil {
			return err
		}
		defer func() { a.Close(err) }()

		q, err := a.Query(queryOptions(cmd))
		if err != nil {
			return err
		}
		dest, err := a.Restore(cmd.Context(), q, where)
		if errors.Is(err, restore.ErrNoMatch) {
			fmt.Println("No files found.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}

		fmt.Printf("Restored %s\n", dest)
		return nil
	},
}

// version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version.Get().Text())

		remote, _ := cmd.Flags().GetBool("server")
		if !remote {
			return nil
		}
		a, err := newClientApp("version", "")
		if err != nil {
			return err
		}
		info, err := a.ServerVersion(cmd.Context())
		a.Close(err)
		if err != nil {
			return fmt.Errorf("asking server: %w", err)
		}
		fmt.Printf("\nServer:\n%s\n", info.Text())
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	keysCmd.AddCommand(keysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Address to listen on (default: server.listen from the config)")
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().BoolP("recursive", "r", false, "Recurse into subdirectories")
	rootCmd.AddCommand(listCmd)
	addQueryFlags(listCmd)
	rootCmd.AddCommand(restoreCmd)
	addQueryFlags(restoreCmd)
	restoreCmd.Flags().StringP("where", "w", "", "Directory to restore into (default: current directory)")
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolP("server", "s", false, "Also print the server's version")
}
