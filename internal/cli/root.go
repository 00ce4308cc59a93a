package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andywolf/taskflow/internal/version"
)

var (
	cfgFile string
	// configErr is reported by every command once flags are parsed.
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "taskflow",
	Short: "Taskflow - plan and run AI agent tasks as dependency graphs",
	Long: `Taskflow turns a prompt or a YAML plan into a graph of agent and tool
todos and runs it under a concurrency gate, a timeout supervisor and an
error auto-corrector. Outcomes are remembered as salient episodes and
recalled into later agent prompts.

Configuration is read from ./.taskflow.yaml, then $HOME/.config/taskflow.
Any key can be overridden from the environment, e.g.
TASKFLOW_ENGINE_MAX_LOOPS=20.

Example:
  taskflow run --plan plan.yaml
  taskflow run "summarize the open incidents"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configErr
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .taskflow.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	configErr = nil
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			configErr = fmt.Errorf("failed to get working directory: %w", err)
			return
		}
		viper.AddConfigPath(cwd)
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "taskflow"))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(ConfigName)
	}

	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	case errors.As(err, &notFound):
	default:
		configErr = fmt.Errorf("failed to read config: %w", err)
	}
}
