package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/CZERTAINLY/Applier/internal/log"
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/applier on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "applier")
}

// exitCode ends the process with a code other than 1.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit code %d", int(e))
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is applier.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initApplier

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		slog.Error("applier failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "applier",
	Short:        "Supervised batch submission of job applications",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an applier",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("applier: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("applier: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initApplier(cmd *cobra.Command, _ []string) error {
	// API keys of the work unit usually live in .env
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig, ok := os.LookupEnv("APPLIERCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "applier.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "applier.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyOverrides(cmd.Flags(), &config); err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(os.Stderr, config.Service.Verbose))

	slog.Debug("applier run", "configPath", configPath)
	slog.Debug("applier run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	defer func() {
		_ = enc.Close()
	}()
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

// override is a flag or APPLIER_<KEY> variable taking precedence over the
// config file.
type override struct {
	key   string
	flag  string
	apply func(v *viper.Viper, key string, cfg *model.Config)
}

var overrides = []override{
	{"max_concurrent", "max-concurrent", func(v *viper.Viper, k string, c *model.Config) { c.Batch.MaxConcurrent = v.GetInt(k) }},
	{"timeout", "timeout", func(v *viper.Viper, k string, c *model.Config) { c.Batch.TimeoutMinutes = v.GetInt(k) }},
	{"retries", "retries", func(v *viper.Viper, k string, c *model.Config) { c.Batch.Retries = v.GetInt(k) }},
	{"headless", "headless", func(v *viper.Viper, k string, c *model.Config) { c.Batch.Headless = v.GetBool(k) }},
	{"skip_generation", "skip-generation", func(v *viper.Viper, k string, c *model.Config) { c.Batch.SkipGeneration = v.GetBool(k) }},
	{"resume", "resume", func(v *viper.Viper, k string, c *model.Config) { c.Batch.Resume = v.GetBool(k) }},
	{"metrics_addr", "metrics-addr", func(v *viper.Viper, k string, c *model.Config) { c.Service.MetricsAddr = v.GetString(k) }},
}

func applyOverrides(flags *pflag.FlagSet, cfg *model.Config) error {
	v := viper.New()
	v.SetEnvPrefix("APPLIER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, o := range overrides {
		if f := flags.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", o.flag, err)
			}
		}
		if v.IsSet(o.key) {
			o.apply(v, o.key, cfg)
		}
	}
	if cfg.Batch.TimeoutMinutes <= 0 {
		return fmt.Errorf("timeout must be positive: got %d minutes", cfg.Batch.TimeoutMinutes)
	}
	if cfg.Batch.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative: got %d", cfg.Batch.MaxConcurrent)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
