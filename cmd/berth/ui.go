package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/cuemby/berth/pkg/types"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
)

// Table renders a styled table with rounded borders
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)
	evenStyle := cellStyle

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}

func success(format string, args ...any) {
	fmt.Println(SuccessStyle.Render("✓") + " " + fmt.Sprintf(format, args...))
}

func printWarnings(warnings []types.Warning) {
	for _, w := range warnings {
		fmt.Println(WarnStyle.Render("!") + " " + w.Step + ": " + w.Msg)
	}
}

func containerRows(recs []*types.ContainerRecord) [][]string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		state := string(r.ObservedState)
		if r.Phase != types.PhaseActive {
			state = string(r.Phase)
		}
		owner := r.Owner
		if r.Adopted {
			owner += " (adopted)"
		}
		rows = append(rows, []string{shortID(r.ID), r.Name, owner, string(r.Engine), r.Image, state, formatPorts(r.Ports), age(r.CreatedAt)})
	}
	return rows
}

func formatPorts(ports []types.PortMapping) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		if p.HostPort > 0 {
			parts = append(parts, fmt.Sprintf("%d->%d/%s", p.HostPort, p.ContainerPort, p.Proto()))
		} else {
			parts = append(parts, fmt.Sprintf("%d/%s", p.ContainerPort, p.Proto()))
		}
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// formatQuota renders used and limit per dimension
func formatQuota(p *types.QuotaProfile) [][]string {
	u, l := p.Usage, p.Limits
	return [][]string{
		{"containers", fmt.Sprint(u.Containers), fmt.Sprint(l.Containers)},
		{"ports", fmt.Sprint(u.Ports), fmt.Sprint(l.Ports)},
		{"storage (GB)", fmt.Sprint(u.StorageGB), fmt.Sprint(l.StorageGB)},
		{"cpu", fmt.Sprintf("%.2f", u.CPU), fmt.Sprintf("%.2f", l.CPU)},
		{"memory (MB)", fmt.Sprint(u.MemoryMB), fmt.Sprint(l.MemoryMB)},
	}
}
