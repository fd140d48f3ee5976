package cmd

import (
	"net"

	"github.com/spf13/cobra"

	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/server"
)

func serveHandler(cmd *cobra.Command, _ []string) error {
	host, err := envconfig.Host()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	return server.Serve(ln)
}
