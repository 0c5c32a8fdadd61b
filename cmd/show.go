package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vtonlabs/tryon/api"
	"github.com/vtonlabs/tryon/format"
)

func NewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show MODEL",
		Short:   "Show a model's configuration",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    showHandler,
	}

	cmd.Flags().Bool("stages", false, "Show the generator stage table")

	return cmd
}

func showHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Show(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if stages, _ := cmd.Flags().GetBool("stages"); stages {
		renderStages(os.Stdout, resp.Stages)
		return nil
	}

	renderShow(os.Stdout, resp)
	return nil
}

func renderShow(w io.Writer, resp *api.ShowResponse) {
	data := [][]string{
		{"architecture", resp.Architecture},
		{"frames", strconv.Itoa(resp.Frames)},
		{"resolution", fmt.Sprintf("%dx%d", resp.Width, resp.Height)},
		{"flow", strconv.FormatBool(resp.Flow)},
		{"self attention", strconv.FormatBool(resp.SelfAttention)},
		{"person inputs", strings.Join(resp.PersonInputs, ", ")},
		{"cloth inputs", strings.Join(resp.ClothInputs, ", ")},
	}

	if resp.Parameters > 0 {
		data = append([][]string{{"parameters", format.HumanNumber(uint64(resp.Parameters))}}, data...)
	}

	if resp.Name != "" {
		data = append([][]string{{"name", resp.Name}}, data...)
	}

	for _, name := range slices.Sorted(maps.Keys(resp.Conditions)) {
		data = append(data, []string{"condition " + name, fmt.Sprintf("%d channels", resp.Conditions[name])})
	}

	table := newTable(w, nil)
	table.AppendBulk(data)
	table.Render()
}

func renderStages(w io.Writer, stages []api.StageInfo) {
	var data [][]string
	for i, s := range stages {
		scale := ""
		if s.Scale != 0 && s.Scale != 1 {
			scale = strconv.FormatFloat(s.Scale, 'g', -1, 64)
		}

		data = append(data, []string{strconv.Itoa(i), s.Kind, strconv.Itoa(s.In), strconv.Itoa(s.Out), scale})
	}

	table := newTable(w, []string{"STAGE", "KIND", "IN", "OUT", "SCALE"})
	table.AppendBulk(data)
	table.Render()
}

// newTable applies the house table style: flat, left aligned, no
// borders.
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
