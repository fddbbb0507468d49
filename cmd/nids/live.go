package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"nidscore/internal/capture"
	"nidscore/internal/config"
)

func newLiveCmd() *cobra.Command {
	var iface string

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Capture from a live network interface and run the detection pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if iface == "" {
				iface = cfg.Capture.Interface
			}
			if iface == "" {
				fatalf("live: no interface given (use --interface or capture.interface in %s)", configPath)
			}

			src, err := capture.OpenLive(capture.LiveOptions{
				Interface:   iface,
				SnapshotLen: cfg.Capture.SnapshotLen,
				Promiscuous: cfg.Capture.Promiscuous,
			})
			if err != nil {
				return err
			}
			defer src.Close()

			p, err := buildPipeline(cfg, src)
			if err != nil {
				return err
			}
			defer p.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Printf("nids: shutting down on signal")
				p.orc.Stop()
				src.Close()
			}()

			log.Printf("nids: capturing on %s", iface)
			return p.orc.Run()
		},
	}
	cmd.Flags().StringVar(&iface, "interface", "", "network interface to capture on (overrides capture.interface)")
	return cmd
}
