package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	cfgFile   string
	apiURL    string
	apiKey    string
	username  string
	verbose   bool
	outputFmt string
	timeout   time.Duration
)

// Config holds CLI configuration
type Config struct {
	APIURL   string `mapstructure:"api_url"`
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kale-cli",
	Short: "Kale CLI - send templated email and inspect quotas",
	Long: `Kale CLI talks to the Kale Email API: send a template to recipients,
check the account's quota windows and probe service health.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		if verbose {
			fmt.Fprintf(os.Stderr, "API URL: %s\n", apiURL)
			fmt.Fprintf(os.Stderr, "Username: %s\n", username)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kale-cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Kale API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (kale_...)")
	rootCmd.PersistentFlags().StringVar(&username, "username", "", "account username used in send paths")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")

	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kale-cli")
	}

	viper.SetEnvPrefix("KALE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}

	if apiURL == "" {
		apiURL = viper.GetString("api_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if username == "" {
		username = viper.GetString("username")
	}
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
}

func newClient() *KaleClient {
	return &KaleClient{BaseURL: strings.TrimRight(apiURL, "/"), APIKey: apiKey, Timeout: timeout}
}

var sendCmd = &cobra.Command{
	Use:   "send [template-id] [recipient...]",
	Short: "Send a template to one or more recipients",
	Long: `Send renders the template for every recipient. Variables are passed as
--var key=value (repeatable) or --vars-file with a JSON object.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetStringArray("var")
		file, _ := cmd.Flags().GetString("vars-file")
		idem, _ := cmd.Flags().GetString("idempotency-key")
		vars, err := parseVariables(pairs, file)
		if err != nil {
			return err
		}
		if username == "" {
			return fmt.Errorf("--username is required")
		}
		res, err := newClient().Send(cmd.Context(), username, args[0], args[1:], vars, idem)
		if err != nil {
			return err
		}
		return printSendResult(cmd.OutOrStdout(), res)
	},
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show email and API quota windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newClient().Quota(cmd.Context())
		if err != nil {
			return err
		}
		return printQuota(cmd.OutOrStdout(), snap)
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show the account behind the API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		acct, err := newClient().Account(cmd.Context())
		if err != nil {
			return err
		}
		return formatOutput(cmd.OutOrStdout(), acct)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		if outputFmt != "table" {
			return formatOutput(cmd.OutOrStdout(), h)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Status:   %s\n", h.Status)
		fmt.Fprintf(w, "Version:  %s\n", h.Version)
		fmt.Fprintf(w, "Database: %s\n", h.DB)
		fmt.Fprintf(w, "Cache:    %s\n", h.Cache)
		fmt.Fprintf(w, "Relays:   %d idle, %d leased\n", h.RelayPool["idle"], h.RelayPool["leased"])
		return nil
	},
}

func init() {
	sendCmd.Flags().StringArray("var", nil, "template variable key=value (repeatable)")
	sendCmd.Flags().String("vars-file", "", "JSON file with template variables")
	sendCmd.Flags().String("idempotency-key", "", "deduplicate retries of this send")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write $HOME/.kale-cli.yaml from prompts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return initializeConfig(cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "API URL:  %s\n", apiURL)
		fmt.Fprintf(w, "API Key:  %s\n", maskToken(apiKey))
		fmt.Fprintf(w, "Username: %s\n", username)
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(w, "Config file: %s\n", viper.ConfigFileUsed())
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func initializeConfig(in io.Reader, out io.Writer) error {
	var cfg Config
	prompt := func(label, def string) string {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
		var v string
		_, _ = fmt.Fscanln(in, &v)
		if v == "" {
			return def
		}
		return v
	}
	cfg.APIURL = prompt("Kale API URL", "http://localhost:8080")
	cfg.APIKey = prompt("API key", "")
	cfg.Username = prompt("Username", "")

	viper.Set("api_url", cfg.APIURL)
	viper.Set("api_key", cfg.APIKey)
	viper.Set("username", cfg.Username)

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	path := home + "/.kale-cli.yaml"
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(out, "Configuration saved to %s\n", path)
	return nil
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

func formatOutput(w io.Writer, data any) error {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		b, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "table":
		_, err := fmt.Fprintf(w, "%+v\n", data)
		return err
	default:
		return fmt.Errorf("unknown output format: %s", outputFmt)
	}
}

func logVerbose(format string, args ...any) {
	if verbose {
		log.Printf("[VERBOSE] "+format, args...)
	}
}
