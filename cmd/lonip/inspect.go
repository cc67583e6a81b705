package main

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/sambigeara/lonip/pkg/failsafe"
	"github.com/sambigeara/lonip/pkg/perm"
	"github.com/sambigeara/lonip/pkg/persist"
	"github.com/sambigeara/lonip/pkg/types"
	"github.com/sambigeara/lonip/pkg/wire"
	"github.com/sambigeara/lonip/pkg/workspace"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [device|members|routes]",
		Short: "Show the persisted channel state",
		Args:  cobra.RangeArgs(0, 1),
		Run:   runInspect,
	}
	cmd.Flags().Bool("wide", false, "Show neuron ids and route details")
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) {
	mode := "all"
	if len(args) == 1 {
		mode = args[0]
	}
	wide, _ := cmd.Flags().GetBool("wide")

	dir, _ := cmd.Flags().GetString("dir")
	dir, err := workspace.EnsureDir(dir)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}
	fs, err := failsafe.NewOSFS(dir)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return
	}
	raw, err := failsafe.New(fs).Get(workspace.StateFile())
	if errors.Is(err, iofs.ErrPermission) {
		fmt.Fprintf(cmd.ErrOrStderr(), "cannot read channel state in %s: join the %s group\n", dir, perm.GroupName())
		return
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "no channel state in %s: %v\n", dir, err)
		return
	}
	b, err := persist.Decode(raw)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "channel state in %s is invalid: %v\n", dir, err)
		return
	}

	var sections []inspectSection
	switch mode {
	case "all":
		sections = append(sections, collectDeviceSection(b), collectMembersSection(b, wide))
		if s := collectRoutesSection(b, wide); len(s.rows) > 0 {
			sections = append(sections, s)
		}
	case "device":
		sections = append(sections, collectDeviceSection(b))
	case "members", "member":
		sections = append(sections, collectMembersSection(b, wide))
	case "routes", "route", "routing":
		sections = append(sections, collectRoutesSection(b, wide))
	default:
		fmt.Fprintf(cmd.ErrOrStderr(), "unknown inspect selector %q (use: device|members|routes)\n", mode)
		return
	}
	renderSections(cmd.OutOrStdout(), sections)
}

type inspectSection struct {
	title   string
	headers []string
	rows    [][]string
	footer  string
}

func endpointOrDash(ep types.Endpoint) string {
	if ep.IsZero() {
		return "-"
	}
	return ep.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func flagsString(f wire.DeviceFlags) string {
	var out []string
	if f.Has(wire.DeviceSharedIP) {
		out = append(out, "shared-ip")
	}
	if f.Has(wire.DeviceBackwardCompatible) {
		out = append(out, "backward-compatible")
	}
	if f.Has(wire.DeviceNATAware) {
		out = append(out, "nat")
	}
	return orDash(strings.Join(out, ","))
}

func collectDeviceSection(b *persist.Blob) inspectSection {
	d := b.Device
	sec := inspectSection{
		title:   "DEVICE",
		headers: []string{"FIELD", "VALUE"},
	}
	auth := "off"
	if b.AuthEnabled {
		auth = "on"
	}
	sec.rows = [][]string{
		{"name", orDash(d.Name)},
		{"address", endpointOrDash(d.Addr)},
		{"nat", endpointOrDash(d.NAT)},
		{"server", endpointOrDash(d.Server)},
		{"flags", flagsString(d.Flags)},
		{"session", strconv.FormatUint(uint64(b.Session), 10)},
		{"registered", strconv.FormatUint(uint64(b.RegDateTime), 10)},
		{"members datetime", strconv.FormatUint(uint64(b.MembersDateTime), 10)},
		{"aggregation", fmt.Sprintf("%dms", b.AggregationMs)},
		{"escrow", fmt.Sprintf("%dms", b.EscrowMs)},
		{"bandwidth", bandwidthString(b.BandwidthKbps)},
		{"auth", auth},
		{"timezone", orDash(b.Timezone)},
	}
	return sec
}

func bandwidthString(kbps uint32) string {
	if kbps == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d kbps", kbps)
}

func collectMembersSection(b *persist.Blob, wide bool) inspectSection {
	sec := inspectSection{
		title:   "MEMBERS",
		headers: []string{"SLOT", "ENDPOINT", "DATETIME", "ROUTE"},
	}
	if wide {
		sec.headers = append(sec.headers, "NEURON IDS")
	}

	missing := 0
	for i, m := range b.Members {
		ep := m.Endpoint.String()
		if i == b.OwnSlot {
			ep += " (self)"
		} else if m.Shared {
			ep += " (shared)"
		}

		route := "-"
		r := m.Routing
		if i == b.OwnSlot {
			r = b.OwnRoute
		}
		switch {
		case r == nil:
			missing++
		case r.DateTime == m.DateTime:
			route = "current"
		default:
			route = "stale"
			missing++
		}

		row := []string{strconv.Itoa(i), ep, strconv.FormatUint(uint64(m.DateTime), 10), route}
		if wide {
			row = append(row, neuronIDsString(r))
		}
		sec.rows = append(sec.rows, row)
	}

	if b.OwnSlot == persist.NoSlot && len(b.Members) > 0 {
		sec.footer = "this device is not in the member list"
	} else if missing > 0 {
		sec.footer = fmt.Sprintf("members without a current route: %d", missing)
	}
	return sec
}

func neuronIDsString(r *wire.ChannelRouting) string {
	if r == nil || len(r.NeuronIDs) == 0 {
		return "-"
	}
	ids := make([]string, 0, len(r.NeuronIDs))
	for _, id := range r.NeuronIDs {
		ids = append(ids, id.String())
	}
	return strings.Join(ids, ",")
}

func collectRoutesSection(b *persist.Blob, wide bool) inspectSection {
	sec := inspectSection{
		title:   "ROUTES",
		headers: []string{"ENDPOINT", "DOMAINS", "NODES", "BROADCASTS"},
	}
	add := func(r *wire.ChannelRouting, self bool) {
		if r == nil {
			return
		}
		ep := r.Endpoint.String()
		if self {
			ep += " (self)"
		}
		domains := strconv.Itoa(len(r.Domains))
		if wide {
			ids := make([]string, 0, len(r.Domains))
			for _, d := range r.Domains {
				ids = append(ids, orDash(fmt.Sprintf("%x", d.ID)))
			}
			domains = strings.Join(ids, ",")
		}
		broadcasts := "no"
		if r.AllBroadcasts {
			broadcasts = "yes"
		}
		sec.rows = append(sec.rows, []string{ep, domains, strconv.Itoa(len(r.SubnetNodes)), broadcasts})
	}

	add(b.OwnRoute, true)
	for i, m := range b.Members {
		if i != b.OwnSlot {
			add(m.Routing, false)
		}
	}
	return sec
}

const (
	rowSection = iota
	rowHeader
	rowData
	rowSpacer
)

func renderSections(w io.Writer, sections []inspectSection) {
	maxCols := 0
	for _, sec := range sections {
		maxCols = max(maxCols, len(sec.headers))
		for _, row := range sec.rows {
			maxCols = max(maxCols, len(row))
		}
	}
	if maxCols == 0 {
		return
	}

	var rowKinds []int
	padRow := func(src []string) []string {
		row := make([]string, maxCols)
		copy(row, src)
		return row
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false)

	for i, sec := range sections {
		if i > 0 {
			t.Row(padRow(nil)...)
			rowKinds = append(rowKinds, rowSpacer)
		}
		t.Row(padRow([]string{sec.title})...)
		rowKinds = append(rowKinds, rowSection)
		t.Row(padRow(sec.headers)...)
		rowKinds = append(rowKinds, rowHeader)
		for _, dataRow := range sec.rows {
			t.Row(padRow(dataRow)...)
			rowKinds = append(rowKinds, rowData)
		}
	}

	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4")).PaddingRight(2)
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	t.StyleFunc(func(row, _ int) lipgloss.Style {
		if row < 0 || row >= len(rowKinds) {
			return dataStyle
		}
		switch rowKinds[row] {
		case rowSection:
			return sectionStyle
		case rowHeader:
			return headerStyle
		default:
			return dataStyle
		}
	})

	fmt.Fprintln(w, t)

	for _, sec := range sections {
		if sec.footer != "" {
			fmt.Fprintln(w)
			fmt.Fprintln(w, sec.footer)
		}
	}
	fmt.Fprintln(w)
}
