// Package wizard provides interactive prompts for CLI commands.
package wizard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
)

// Settings are the answers collected by PromptSettings. Numeric answers stay
// strings because huh inputs edit strings.
type Settings struct {
	MaxActive      string
	MaxLoops       string
	MemoryEnabled  bool
	SnapshotPath   string
	EventsDir      string
	NATSURL        string
	MetricsEnabled bool
	Agents         string
}

// PromptSettings asks for the values written to a new config file. s holds
// the defaults and receives the answers.
func PromptSettings(s *Settings) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Taskflow Configuration").
				Description("Values are written to .taskflow.yaml and can be edited later."),

			huh.NewInput().
				Title("Concurrent tasks").
				Value(&s.MaxActive).
				Validate(ValidatePositive),

			huh.NewInput().
				Title("Execution loops per task").
				Value(&s.MaxLoops).
				Validate(ValidatePositive),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Remember outcomes between runs?").
				Value(&s.MemoryEnabled),

			huh.NewInput().
				Title("Memory snapshot file (optional)").
				Value(&s.SnapshotPath),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Event log directory (optional)").
				Value(&s.EventsDir),

			huh.NewInput().
				Title("NATS URL for event fan-out (optional)").
				Value(&s.NATSURL),

			huh.NewConfirm().
				Title("Expose Prometheus metrics?").
				Value(&s.MetricsEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Command agents (name=command, comma-separated, optional)").
				Value(&s.Agents).
				Validate(func(v string) error {
					_, err := ParseAgents(v)
					return err
				}),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt cancelled: %w", err)
	}
	return nil
}

// ConfirmOverwrite asks before replacing an existing config file.
func ConfirmOverwrite(path string) (bool, error) {
	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Config Found").
				Description(path),

			huh.NewConfirm().
				Title("Overwrite it?").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}

// ValidatePositive accepts a decimal integer greater than zero.
func ValidatePositive(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%q is not a number", s)
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1")
	}
	return nil
}

// ParseAgents parses "name=command args..., other=command" into a map of
// agent name to command line.
func ParseAgents(s string) (map[string][]string, error) {
	items := parseList(s)
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(items))
	for _, item := range items {
		name, command, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		fields := strings.Fields(command)
		if !ok || name == "" || len(fields) == 0 {
			return nil, fmt.Errorf("invalid agent %q (want name=command)", item)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("agent %q given twice", name)
		}
		out[name] = fields
	}
	return out, nil
}

func parseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
