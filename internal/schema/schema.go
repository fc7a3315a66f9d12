package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zerosnacks/fuse-v1/internal/policy"
)

// Command describes one CLI command for agents that discover the surface at
// runtime.
type Command struct {
	Path        string    `json:"path"`
	Use         string    `json:"use"`
	Short       string    `json:"short"`
	Admin       bool      `json:"admin,omitempty"`
	Runnable    bool      `json:"runnable"`
	Flags       []Flag    `json:"flags,omitempty"`
	Subcommands []Command `json:"subcommands,omitempty"`
}

type Flag struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Build describes the command at commandPath below root, or root itself when
// commandPath is empty. Paths exclude the root name.
func Build(root *cobra.Command, commandPath string) (Command, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		next := findChild(cmd, part)
		if next == nil {
			return Command{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return describe(root, cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func describe(root, cmd *cobra.Command) Command {
	path := relativePath(root, cmd)
	out := Command{
		Path:     path,
		Use:      cmd.Use,
		Short:    cmd.Short,
		Admin:    policy.IsAdminCommand(path),
		Runnable: cmd.Runnable(),
		Flags:    localFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		out.Subcommands = append(out.Subcommands, describe(root, sub))
	}
	return out
}

func relativePath(root, cmd *cobra.Command) string {
	full := strings.Fields(cmd.CommandPath())
	depth := len(strings.Fields(root.CommandPath()))
	if len(full) <= depth {
		return ""
	}
	return strings.Join(full[depth:], " ")
}

func localFlags(cmd *cobra.Command) []Flag {
	items := []Flag{}
	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, Flag{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
