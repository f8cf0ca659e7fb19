package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/usbview/pkg/backend"
)

// backendInfo is the listing of one backend.
type backendInfo struct {
	Name    string           `yaml:"name"`
	Source  string           `yaml:"source"`
	Devices []backend.Device `yaml:"devices"`
	Error   string           `yaml:"error,omitempty"`
	Options []optionInfo     `yaml:"options"`
}

type optionInfo struct {
	Key     string   `yaml:"key"`
	Label   string   `yaml:"label,omitempty"`
	Type    string   `yaml:"type"`
	Min     *int     `yaml:"min,omitempty"`
	Max     *int     `yaml:"max,omitempty"`
	Choices []string `yaml:"choices,omitempty"`
	Default string   `yaml:"default"`
}

func newOptionInfo(o backend.Option) optionInfo {
	info := optionInfo{
		Key:     o.Key,
		Label:   o.Label,
		Type:    o.Type.Kind.String(),
		Default: o.Value.String(),
	}
	switch o.Type.Kind {
	case backend.KindIntRange:
		lo, hi := o.Type.Min, o.Type.Max
		info.Min, info.Max = &lo, &hi
	case backend.KindChoice:
		info.Choices = o.Type.Choices
	}
	return info
}

func newBackendsCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "List capture backends, their devices and options",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := a.describeBackends(cmd.Context())
			switch output {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(infos)
			case "text":
				return printBackends(cmd.OutOrStdout(), infos)
			default:
				return fmt.Errorf("invalid output %q, must be text or yaml", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or yaml")
	return cmd
}

func (a *app) describeBackends(ctx context.Context) []backendInfo {
	var infos []backendInfo
	for _, b := range a.registry.List() {
		info := backendInfo{Name: b.Name(), Source: a.registry.Source(b.Name())}

		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		devices, err := b.Devices(dctx)
		cancel()
		if err != nil {
			info.Error = err.Error()
		}
		info.Devices = devices

		// Schemas were verified when the registry was loaded.
		schema, _ := b.Schema()
		for _, o := range schema {
			info.Options = append(info.Options, newOptionInfo(o))
		}
		infos = append(infos, info)
	}
	return infos
}

func printBackends(w io.Writer, infos []backendInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, info := range infos {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s (%s)\n", info.Name, info.Source)
		if info.Error != "" {
			fmt.Fprintf(tw, "  devices:\terror: %s\n", info.Error)
		} else if len(info.Devices) == 0 {
			fmt.Fprintf(tw, "  devices:\tnone\n")
		}
		for _, d := range info.Devices {
			fmt.Fprintf(tw, "  device\t%s\t%s\n", d.ID, d.Name)
		}
		for _, o := range info.Options {
			constraint := ""
			switch {
			case o.Min != nil:
				constraint = fmt.Sprintf("[%d, %d]", *o.Min, *o.Max)
			case len(o.Choices) > 0:
				constraint = strings.Join(o.Choices, "|")
			}
			fmt.Fprintf(tw, "  option\t%s\t%s %s\tdefault %s\t%s\n", o.Key, o.Type, constraint, o.Default, o.Label)
		}
	}
	return tw.Flush()
}
