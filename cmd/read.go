package cmd

import (
	"fmt"
	"iter"

	"github.com/spf13/cobra"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/filter"
	"firestige.xyz/usbview/internal/log"
	"firestige.xyz/usbview/internal/persist"
	"firestige.xyz/usbview/internal/sink/console"
)

// loadFile reads a recording, logging skipped records.
func loadFile(cmd *cobra.Command, path string) (*persist.Result, error) {
	res, err := persist.Read(cmd.Context(), path)
	if err != nil {
		return nil, err
	}
	if w := res.Warning(); w != nil {
		log.GetLogger().WithError(w).Warn("recording is partially corrupt")
	}
	return res, nil
}

// selectPackets yields the packets passing spec, at most limit when positive.
func selectPackets(pkts []core.Packet, spec filter.Spec, limit int) iter.Seq[core.Packet] {
	return func(yield func(core.Packet) bool) {
		n := 0
		for _, p := range pkts {
			if !spec.Match(p) {
				continue
			}
			if !yield(p) {
				return
			}
			n++
			if limit > 0 && n >= limit {
				return
			}
		}
	}
}

func newReadCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		format string
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "read FILE",
		Short: "Print the packets of a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := ff.spec()
			if err != nil {
				return err
			}
			res, err := loadFile(cmd, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "read %d packets, parsed %d packets from %s\n",
				res.Stats.Total, res.Stats.Parsed, res.Path)

			cs, err := console.New(console.Config{Format: output, Payload: format}, out)
			if err != nil {
				return err
			}
			for p := range selectPackets(res.Packets, spec, limit) {
				cs.Consume(p)
			}
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", string(core.FormatHex), "payload format: hex, array or text")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most this many packets (0 = all)")
	return cmd
}
