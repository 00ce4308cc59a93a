package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/andywolf/taskflow/internal/cli/wizard"
	"github.com/andywolf/taskflow/internal/config"
)

// ConfigName is the config file looked up in the working directory, without
// extension.
const ConfigName = ".taskflow"

var errConfigExists = errors.New("config file already exists")

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize project configuration",
	Long: `Initialize taskflow configuration for the current directory.

This creates a .taskflow.yaml file with sensible defaults that you can customize.

Example:
  taskflow init
  taskflow init --max-active 2 --events-dir .taskflow/events
  taskflow init --interactive`,
	RunE: initProject,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Int("max-active", 1, "Concurrent tasks")
	initCmd.Flags().Int("max-loops", 10, "Execution loops per task")
	initCmd.Flags().Bool("memory", true, "Remember outcomes between runs")
	initCmd.Flags().String("snapshot", filepath.Join(".taskflow", "memory.db"), "Memory snapshot file")
	initCmd.Flags().String("events-dir", filepath.Join(".taskflow", "events"), "Event log directory")
	initCmd.Flags().String("nats-url", "", "NATS URL for event fan-out")
	initCmd.Flags().Bool("metrics", false, "Expose Prometheus metrics")
	initCmd.Flags().String("agents", "", "Command agents as name=command, comma-separated")
	initCmd.Flags().BoolP("interactive", "i", false, "Prompt for every value")
	initCmd.Flags().Bool("force", false, "Overwrite existing config")
}

type agentEntry struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type projectConfig struct {
	Engine struct {
		MaxLoops   int `yaml:"max_loops"`
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"engine"`
	Gate struct {
		MaxActive int `yaml:"max_active"`
	} `yaml:"gate"`
	Memory struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"memory"`
	Snapshot struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"snapshot"`
	Events struct {
		Dir  string `yaml:"dir,omitempty"`
		NATS struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url,omitempty"`
		} `yaml:"nats"`
	} `yaml:"events"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
	Agents map[string]agentEntry `yaml:"agents,omitempty"`
}

func initProject(cmd *cobra.Command, args []string) error {
	configPath := filepath.Join(".", ConfigName+".yaml")

	s := settingsFromFlags(cmd)
	force, _ := cmd.Flags().GetBool("force")
	interactive, _ := cmd.Flags().GetBool("interactive")

	if interactive {
		if _, err := os.Stat(configPath); err == nil && !force {
			ok, err := wizard.ConfirmOverwrite(configPath)
			if err != nil {
				return err
			}
			force = ok
		}
		if err := wizard.PromptSettings(&s); err != nil {
			return err
		}
	}

	pc, err := buildProjectConfig(s)
	if err != nil {
		return err
	}
	if err := writeProjectConfig(configPath, pc, force); err != nil {
		if errors.Is(err, errConfigExists) {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n\n", configPath)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Register the agents your plans target under 'agents'")
	fmt.Fprintln(out, "  2. Write a plan file (see 'taskflow run --help')")
	fmt.Fprintln(out, "  3. Run 'taskflow run --plan plan.yaml'")
	return nil
}

func settingsFromFlags(cmd *cobra.Command) wizard.Settings {
	maxActive, _ := cmd.Flags().GetInt("max-active")
	maxLoops, _ := cmd.Flags().GetInt("max-loops")
	s := wizard.Settings{
		MaxActive: strconv.Itoa(maxActive),
		MaxLoops:  strconv.Itoa(maxLoops),
	}
	s.MemoryEnabled, _ = cmd.Flags().GetBool("memory")
	s.SnapshotPath, _ = cmd.Flags().GetString("snapshot")
	s.EventsDir, _ = cmd.Flags().GetString("events-dir")
	s.NATSURL, _ = cmd.Flags().GetString("nats-url")
	s.MetricsEnabled, _ = cmd.Flags().GetBool("metrics")
	s.Agents, _ = cmd.Flags().GetString("agents")
	return s
}

func buildProjectConfig(s wizard.Settings) (projectConfig, error) {
	defaults := config.Default()

	var pc projectConfig
	for _, v := range []string{s.MaxActive, s.MaxLoops} {
		if err := wizard.ValidatePositive(v); err != nil {
			return pc, err
		}
	}
	pc.Gate.MaxActive, _ = strconv.Atoi(s.MaxActive)
	pc.Engine.MaxLoops, _ = strconv.Atoi(s.MaxLoops)
	pc.Engine.MaxRetries = defaults.Engine.MaxRetries
	pc.Memory.Enabled = s.MemoryEnabled
	if s.MemoryEnabled {
		pc.Snapshot.Path = s.SnapshotPath
	}
	pc.Events.Dir = s.EventsDir
	pc.Events.NATS.URL = s.NATSURL
	pc.Events.NATS.Enabled = s.NATSURL != ""
	pc.Metrics.Enabled = s.MetricsEnabled
	pc.Metrics.Addr = defaults.Metrics.Addr

	agents, err := wizard.ParseAgents(s.Agents)
	if err != nil {
		return pc, err
	}
	if len(agents) > 0 {
		pc.Agents = make(map[string]agentEntry, len(agents))
		for name, fields := range agents {
			pc.Agents[name] = agentEntry{Command: fields[0], Args: fields[1:]}
		}
	}
	return pc, nil
}

func writeProjectConfig(path string, pc projectConfig, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errConfigExists
	}

	data, err := yaml.Marshal(pc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Taskflow Configuration
# Every omitted key falls back to its default.

`
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
