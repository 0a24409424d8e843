package main

import (
	"fmt"
	"strconv"

	"github.com/born-ml/kernelgen/internal/codegen"
	"github.com/born-ml/kernelgen/internal/runtime"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List code generation targets and their devices",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), targetsTable())
		},
	}
}

// targetsTable renders one row per target. Devices are opened only for available
// targets.
func targetsTable() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Target", "Language", "Available", "Device", "Threads/block", "Shared memory")

	for _, target := range codegen.Targets() {
		row := []string{target.String(), target.Language(), "no", "-", strconv.Itoa(target.MaxThreadsPerBlock()), "-"}
		if runtime.IsAvailable(target) {
			row[2] = "yes"
			if ctx, err := runtime.GetContext(target, 0); err == nil {
				row[3] = ctx.DeviceName()
				row[4] = strconv.Itoa(ctx.Attr(runtime.AttrMaxThreadsPerBlock))
				//nolint:gosec // attribute values are non-negative
				row[5] = humanize.IBytes(uint64(ctx.Attr(runtime.AttrMaxSharedMemoryPerBlock)))
			}
		}
		table.Row(row...)
	}
	return table.String()
}
