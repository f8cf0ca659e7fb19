package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/stats"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		bucket time.Duration
		output string
	)
	cmd := &cobra.Command{
		Use:   "stats FILE",
		Short: "Show traffic statistics of a recording",
		Long: `Aggregate the packets of a recording by type and by time bucket.

Shows: packet and byte totals per type, then per-bucket packet and byte counts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bucket <= 0 {
				return fmt.Errorf("--bucket must be positive")
			}
			spec, err := ff.spec()
			if err != nil {
				return err
			}
			res, err := loadFile(cmd, args[0])
			if err != nil {
				return err
			}
			snap := stats.Compute(selectPackets(res.Packets, spec, 0), bucket)

			switch output {
			case "json":
				resultJSON, err := json.MarshalIndent(statsJSON(snap), "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format result: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(resultJSON))
				return nil
			case "text":
				return printStats(cmd.OutOrStdout(), snap)
			default:
				return fmt.Errorf("invalid output %q, must be text or json", output)
			}
		},
	}
	ff.register(cmd)
	cmd.Flags().DurationVar(&bucket, "bucket", stats.DefaultBucket, "bucket width")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func statsJSON(snap *stats.Snapshot) map[string]any {
	buckets := make([]map[string]any, 0, len(snap.Buckets))
	for _, b := range snap.Buckets {
		buckets = append(buckets, map[string]any{
			"start":   core.FormatTimestamp(b.Start),
			"packets": b.TotalPackets(),
			"bytes":   b.TotalBytes(),
			"by_type": b.ByType(),
		})
	}
	return map[string]any{
		"bucket":  snap.Width.String(),
		"packets": snap.Total.TotalPackets(),
		"bytes":   snap.Total.TotalBytes(),
		"by_type": snap.Total.ByType(),
		"buckets": buckets,
	}
}

func printStats(w io.Writer, snap *stats.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "type\tpackets\tbytes\t")
	for i := 0; i < core.NumPacketTypes; i++ {
		if snap.Total.Packets[i] == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t\n", core.PacketType(i), snap.Total.Packets[i], snap.Total.Bytes[i])
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t\n", snap.Total.TotalPackets(), snap.Total.TotalBytes())
	fmt.Fprintln(tw, "\t\t\t")
	fmt.Fprintf(tw, "bucket (%s)\tpackets\tbytes\t\n", snap.Width)
	for _, b := range snap.Buckets {
		fmt.Fprintf(tw, "%s\t%d\t%d\t\n", core.FormatTimestamp(b.Start), b.TotalPackets(), b.TotalBytes())
	}
	return tw.Flush()
}
