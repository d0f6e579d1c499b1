package cmds

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/loom/pkg/logging"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Branching conversation sessions with streamed generation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initViper(cmd); err != nil {
				return err
			}
			return logging.Init(viper.GetString("log-level"))
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "config file (default $HOME/.loom.yaml)")
	rootCmd.PersistentFlags().String("db", "", "sqlite database file (default in-memory state)")

	rootCmd.AddCommand(NewChatCmd())
	rootCmd.AddCommand(NewSessionsCmd())

	return rootCmd
}

func initViper(cmd *cobra.Command) error {
	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".loom")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}
