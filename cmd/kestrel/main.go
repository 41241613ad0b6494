// Kestrel - Case analysis for financial-crime investigations.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfgFile string
	cfg     *domain.Config
)

var rootCmd = &cobra.Command{
	Use:           "kestrel",
	Short:         "Kestrel runs typology detection and network analysis over investigation cases.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./kestrel.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, detectCmd, analyzeCmd, networkCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers the config file and KESTREL_* environment variables
// over the tier defaults. KESTREL_TIER=pro selects the pro defaults.
func loadConfig() (*domain.Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		base = domain.ProConfig()
	}
	// Every leaf needs a default so AutomaticEnv can override it.
	setDefaults(v, "", reflect.ValueOf(*base))

	out := &domain.Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
