package cmd

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/vanlab/van/envconfig"
	"github.com/vanlab/van/format"
	"github.com/vanlab/van/model"
	"github.com/vanlab/van/model/models/van"
)

// renderTable writes rows as an aligned table on a terminal and as tab
// separated values otherwise.
func renderTable(w io.Writer, header []string, data [][]string) {
	if !isTerminal(w) {
		fmt.Fprintln(w, strings.Join(header, "\t"))
		for _, row := range data {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func showHandler(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if env, _ := cmd.Flags().GetBool("env"); env {
		showEnv(out)
		return nil
	}

	m, err := buildModel(cmd, args[0])
	if err != nil {
		return err
	}

	if vm, ok := m.(*van.Model); ok {
		var data [][]string
		for i, s := range vm.Stages() {
			data = append(data, []string{
				strconv.Itoa(i + 1),
				strconv.Itoa(s.Width),
				strconv.Itoa(s.Depth),
				strconv.FormatFloat(float64(s.MLPRatio), 'g', -1, 32),
				fmt.Sprintf("%dx%d", s.Grid, s.Grid),
				strconv.FormatBool(s.RetiledEmbedding),
				strconv.FormatBool(s.RetiledAttention),
				format.Parameters(s.Parameters),
			})
		}

		renderTable(out, []string{"STAGE", "WIDTH", "DEPTH", "MLP RATIO", "GRID", "RETILED EMBEDDING", "RETILED ATTENTION", "PARAMETERS"}, data)
		fmt.Fprintln(out)
	}

	n := model.Count(m)
	fmt.Fprintf(out, "parameters %s (%d)\n", format.Parameters(n), n)
	fmt.Fprintf(out, "input %dx%d\n", m.InputSize(), m.InputSize())
	return nil
}

func showEnv(w io.Writer) {
	vars := envconfig.AsMap()
	names := maps.Keys(vars)
	slices.Sort(names)

	var data [][]string
	for _, name := range names {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
	}

	renderTable(w, []string{"NAME", "VALUE", "DESCRIPTION"}, data)
}
