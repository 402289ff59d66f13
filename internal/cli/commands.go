package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version of etl-cli
const Version = "v0.1.0"

var (
	// Global flags
	jsonOutput bool
	configFile string
	tenantFlag string
	serverFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "etl-cli",
	Short: "etl-cli - A command line interface for the multi-tenant ETL server",
	Long: `etl-cli uploads delimited and spreadsheet files into a tenant's tables and
manages the resulting tables, quota and audit trail.

Each tenant works in its own namespace. The tenant is taken from the config
file or the --tenant flag.`,
	PersistentPreRunE: preRunHandlePersistents,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "", "", "Path to configuration file to override default")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&tenantFlag, "tenant", "t", "", "Tenant ID, overrides the config file")
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Server URL, overrides the config file")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	err := rootCmd.Execute()
	if err != nil {
		if jsonOutput {
			kv := map[string]any{
				"result": 0,
				"error":  err.Error(),
			}
			var httpErr *HTTPError
			if errors.As(err, &httpErr) {
				kv["status"] = httpErr.StatusCode
				if httpErr.Reason != "" {
					kv["reason"] = httpErr.Reason
				}
			}
			printJSON(kv)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func preRunHandlePersistents(cmd *cobra.Command, args []string) error {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" || c.Name() == "version" {
			return nil
		}
	}

	if configFile == "" {
		var err error
		configFile, err = GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	if err := LoadConfig(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) || serverFlag == "" {
			if errors.Is(err, os.ErrNotExist) {
				return errors.New(`etl-cli config file not found. Configure etl-cli with "etl-cli config create" first`)
			}
			return fmt.Errorf("unable to load config file: %v", err)
		}
		config = &Config{}
	}
	if serverFlag != "" {
		config.Server = MorphServer(serverFlag)
	}
	if tenantFlag != "" {
		config.TenantID = tenantFlag
	}
	return config.ValidateConfig()
}

// tenantClient returns a client for commands that act on tenant data.
func tenantClient() (*HTTPClient, error) {
	cfg := GetConfig()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if cfg.TenantID == "" {
		return nil, errors.New("tenant is required, set it in the config file or pass --tenant")
	}
	return NewHTTPClient(cfg), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of etl-cli and, when reachable, the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := map[string]string{"version": Version}
			if cfg := versionConfig(); cfg != nil {
				rsp, err := NewHTTPClient(cfg).Get(cmd.Context(), "version", nil)
				if err == nil {
					out["serverVersion"] = gjsonString(rsp, "serverVersion")
					out["apiVersion"] = gjsonString(rsp, "apiVersion")
				}
			}
			if jsonOutput {
				printJSON(out)
				return nil
			}
			cmd.Printf("etl-cli %s\n", Version)
			if v := out["serverVersion"]; v != "" {
				cmd.Printf("server %s (api %s)\n", v, out["apiVersion"])
			}
			return nil
		},
	}
}

// versionConfig loads the config without failing, version works offline.
func versionConfig() *Config {
	if serverFlag != "" {
		return &Config{Server: MorphServer(serverFlag)}
	}
	file := configFile
	if file == "" {
		var err error
		if file, err = GetDefaultConfigPath(); err != nil {
			return nil
		}
	}
	if err := LoadConfig(file); err != nil {
		return nil
	}
	return GetConfig()
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or show the etl-cli configuration",
	}

	var server, tenant, timeout string
	create := &cobra.Command{
		Use:   "create",
		Short: "Write a new configuration file",
		Long: `Write a new configuration file to the default location or the path given by --config.

Example:
  etl-cli config create --server localhost:8678 --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &Config{Version: "1.0", Server: MorphServer(server), TenantID: tenant, Timeout: timeout}
			if err := cfg.ValidateConfig(); err != nil {
				return err
			}
			file := configFile
			if file == "" {
				var err error
				if file, err = GetDefaultConfigPath(); err != nil {
					return err
				}
			}
			if err := cfg.WriteConfig(file); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"result": 1, "value": map[string]string{"file": file}})
			} else {
				fmt.Printf("Configuration written to %s\n", file)
			}
			return nil
		},
	}
	create.Flags().StringVar(&server, "server", "", "Server URL with port")
	create.Flags().StringVar(&tenant, "tenant", "", "Default tenant ID")
	create.Flags().StringVar(&timeout, "timeout", "", "Request timeout, e.g. 2m")
	create.MarkFlagRequired("server")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			file := configFile
			if file == "" {
				var err error
				if file, err = GetDefaultConfigPath(); err != nil {
					return err
				}
			}
			if err := LoadConfig(file); err != nil {
				return err
			}
			if jsonOutput {
				printJSON(map[string]any{"result": 1, "value": GetConfig()})
				return nil
			}
			GetConfig().Print()
			return nil
		},
	}

	cmd.AddCommand(create, show)
	return cmd
}

// commandContext returns cmd's context, or Background when cmd was not run through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// printJSON prints the given value as JSON to stdout
func printJSON(data any) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(jsonData))
}

// printResult wraps a raw server response as {"result":1,"value":...}.
func printResult(rsp []byte) {
	printJSON(map[string]any{
		"result": 1,
		"value":  json.RawMessage(rsp),
	})
}
