// Command nids is the network intrusion detection pipeline's entry point:
// replay a pcap file or capture live traffic through decode, flow
// tracking, feature extraction, and signature matching, and inspect a
// loaded rule set. Grounded on the teacher's cmd/ns-probe, cmd/ns-engine
// and cmd/ns-api binaries, collapsed into one cobra-based CLI the way
// jnesss-bpfview's cli.go structures its flags.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "nids",
		Short: "Network intrusion detection pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the pipeline configuration file")

	root.AddCommand(newReplayCmd())
	root.AddCommand(newLiveCmd())
	root.AddCommand(newRulesCmd())

	if err := root.Execute(); err != nil {
		log.SetFlags(0)
		log.Fatal(err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
