package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dCache/dcache-sub032/pkg/admin"
	"github.com/dCache/dcache-sub032/pkg/types"
	"github.com/dCache/dcache-sub032/pkg/utils"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printCount(resp *admin.CountResponse, what string) error {
	if jsonOutput {
		return printJSON(resp)
	}
	fmt.Printf("%s %s\n", valueStyle.Render(fmt.Sprintf("%d", resp.Count)), what)
	return nil
}

func printKeyValues(title string, rows [][2]string) {
	var content strings.Builder
	content.WriteString(titleStyle.Render(title))
	content.WriteString("\n")
	for _, row := range rows {
		content.WriteString(labelStyle.Render(row[0]))
		content.WriteString(valueStyle.Render(row[1]))
		content.WriteString("\n")
	}
	fmt.Print(content.String())
}

func newTable(stateCol int, color func(row int) lipgloss.Color) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == stateCol {
				return rowStyle.Copy().Foreground(color(row)).Bold(true)
			}
			return rowStyle.Copy().Foreground(fgColor)
		})
}

func stateColor(state string) lipgloss.Color {
	switch state {
	case "RUNNING":
		return accentColor
	case "WAITING":
		return secondaryColor
	case "FAILED", "ABORTED", "CANCELED":
		return dangerColor
	case "EXCLUDED", "INACTIVE":
		return warningColor
	default:
		return mutedColor
	}
}

func printFileOperations(resp *admin.ListFilesResponse) {
	printKeyValues("File operations", [][2]string{
		{"Running", fmt.Sprintf("%d", resp.Running)},
		{"Waiting (fg)", fmt.Sprintf("%d", resp.Foreground)},
		{"Waiting (bg)", fmt.Sprintf("%d", resp.Background)},
	})
	if len(resp.Operations) == 0 {
		fmt.Println(mutedStyle.Render("No matching operations"))
		return
	}

	ops := resp.Operations
	t := newTable(1, func(row int) lipgloss.Color { return stateColor(ops[row].State) })
	t.Headers("PNFSID", "STATE", "ACTION", "COUNT", "RETRIES", "UNIT", "PARENT", "SOURCE", "TARGET", "SIZE", "UPDATED")
	for _, op := range ops {
		t.Row(
			string(op.PnfsID),
			op.State,
			op.Action,
			fmt.Sprintf("%d", op.OpCount),
			fmt.Sprintf("%d", op.RetryCount),
			op.Unit,
			op.Parent,
			op.Source,
			op.Target,
			utils.FormatDataSize(op.Size),
			formatAge(op.LastUpdate),
		)
	}
	fmt.Println(t.Render())
}

func printPoolOperations(resp *admin.ListPoolsResponse) {
	if len(resp.Pools) == 0 {
		fmt.Println(mutedStyle.Render("No matching pools"))
		return
	}

	pools := resp.Pools
	t := newTable(1, func(row int) lipgloss.Color { return stateColor(pools[row].State) })
	t.Headers("POOL", "STATE", "STATUS", "GROUP", "UNIT", "DISPATCHED", "COMPLETED", "FAILED", "LAST SCAN", "UPDATED")
	for _, p := range pools {
		t.Row(
			p.Pool,
			p.State,
			p.Status,
			p.Group,
			p.Unit,
			fmt.Sprintf("%d", p.Dispatched),
			fmt.Sprintf("%d", p.Completed),
			fmt.Sprintf("%d", p.Failed),
			formatAge(p.LastScan),
			formatAge(p.LastUpdate),
		)
	}
	fmt.Println(t.Render())
}

func printOutcomes(ids []string, outcomes map[string]string) {
	t := newTable(1, func(row int) lipgloss.Color {
		if outcomes[ids[row]] == "dropped" {
			return mutedColor
		}
		return accentColor
	})
	t.Headers("PNFSID", "OUTCOME")
	for _, id := range ids {
		t.Row(id, outcomes[id])
	}
	fmt.Println(t.Render())
}

func printFiles(files []types.FileAttributes) {
	if len(files) == 0 {
		fmt.Println(mutedStyle.Render("No files"))
		return
	}
	t := newTable(-1, nil)
	t.Headers("PNFSID", "UNIT", "RETENTION", "LATENCY", "SIZE", "LOCATIONS")
	for _, f := range files {
		locations := make([]string, len(f.Locations))
		for i, l := range f.Locations {
			locations[i] = string(l)
		}
		t.Row(
			string(f.PnfsID),
			string(f.StorageClass),
			f.RetentionPolicy.String(),
			f.AccessLatency.String(),
			utils.FormatDataSize(f.Size),
			strings.Join(locations, ","),
		)
	}
	fmt.Println(t.Render())
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02 15:04")
	}
}
