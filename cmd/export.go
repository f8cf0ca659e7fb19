package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/usbview/internal/persist"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		pcap   string
		saveAs string
	)
	cmd := &cobra.Command{
		Use:   "export FILE",
		Short: "Write the filtered packets of a recording to pcap or a new recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (pcap == "") == (saveAs == "") {
				return fmt.Errorf("exactly one of --pcap and --save-as is required")
			}
			spec, err := ff.spec()
			if err != nil {
				return err
			}
			res, err := loadFile(cmd, args[0])
			if err != nil {
				return err
			}

			packets := selectPackets(res.Packets, spec, 0)
			var (
				n   int
				dst string
			)
			if pcap != "" {
				dst = pcap
				n, err = persist.ExportPcap(pcap, packets)
			} else {
				dst = saveAs
				n, err = persist.WriteAll(cmd.Context(), saveAs, res.Header, packets)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d packets to %s\n", n, dst)
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&pcap, "pcap", "", "write a pcap file (LINKTYPE_USB_2_0)")
	cmd.Flags().StringVar(&saveAs, "save-as", "", "write a new .upv recording")
	return cmd
}
