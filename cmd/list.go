package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/vanlab/van/api"
)

func listHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.List(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, name := range resp.Models {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
			data = append(data, []string{name})
		}
	}

	renderTable(cmd.OutOrStdout(), []string{"NAME"}, data)
	return nil
}
