package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ruleengine",
	Short: "Compile and run a RETE production rules engine against YAML files",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (YAML); searches ./ruleengine.yaml when omitted")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug-level logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(runCmd, versionCmd)
}

// Execute runs the root command, flushing the logger on exit.
func Execute() error {
	err := rootCmd.Execute()
	if logger != nil {
		_ = logger.Sync()
	}
	return err
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ruleengine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("RULEENGINE")
	viper.AutomaticEnv()
	setConfigDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}

	zcfg := zap.NewProductionConfig()
	if viper.GetBool("verbose") {
		zcfg = zap.NewDevelopmentConfig()
	}
	l, err := zcfg.Build()
	if err != nil {
		return err
	}
	logger = l
	return nil
}
