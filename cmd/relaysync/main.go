package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func main() {
	defer glog.Flush()
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		glog.Errorf("relaysync: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Replicache-style push/pull sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// glog reads its own flags from the standard flag set.
			if !flag.Parsed() {
				_ = flag.CommandLine.Parse(nil)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (RELAYSYNC_CONFIG)")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPullCommand(opts))
	cmd.AddCommand(newPokeCommand(opts))
	return cmd
}
