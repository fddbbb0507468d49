package main

import (
	"log"

	"github.com/spf13/cobra"

	"nidscore/internal/capture"
	"nidscore/internal/config"
)

func newReplayCmd() *cobra.Command {
	var pcapFile string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a pcap file through the detection pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if pcapFile == "" {
				pcapFile = cfg.Capture.PcapFile
			}
			if pcapFile == "" {
				fatalf("replay: no pcap file given (use --pcap-file or capture.pcap_file in %s)", configPath)
			}

			src, err := capture.OpenOffline(pcapFile)
			if err != nil {
				return err
			}
			defer src.Close()

			p, err := buildPipeline(cfg, src)
			if err != nil {
				return err
			}
			defer p.Close()

			log.Printf("nids: replaying %s", pcapFile)
			if err := p.orc.Run(); err != nil {
				return err
			}
			log.Printf("nids: replay of %s complete", pcapFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&pcapFile, "pcap-file", "", "pcap file to replay (overrides capture.pcap_file)")
	return cmd
}
