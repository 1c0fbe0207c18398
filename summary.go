package main

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/pdok/hoogte/metrics"
)

var outcomes = []string{
	metrics.NodeEnriched,
	metrics.NodeKept,
	metrics.NodeNoSample,
	metrics.NodeNotFound,
	metrics.NodeUnmappable,
	metrics.NodeUnresolved,
}

type counts struct {
	nodes      map[string]float64
	downloads  float64
	downloaded float64
}

func snapshot(m *metrics.Metrics) counts {
	c := counts{
		nodes:      make(map[string]float64, len(outcomes)),
		downloads:  metrics.Value(m.Downloads),
		downloaded: metrics.Value(m.DownloadedBytes),
	}
	for _, o := range outcomes {
		c.nodes[o] = metrics.Value(m.Nodes.WithLabelValues(o))
	}
	return c
}

type tableSummary struct {
	name       string
	written    int
	nodes      map[string]int
	downloads  int
	downloaded uint64
	took       time.Duration
}

func summarize(name string, written int, took time.Duration, before, after counts) tableSummary {
	s := tableSummary{
		name:       name,
		written:    written,
		nodes:      make(map[string]int, len(outcomes)),
		downloads:  int(after.downloads - before.downloads),
		downloaded: uint64(after.downloaded - before.downloaded),
		took:       took,
	}
	for _, o := range outcomes {
		s.nodes[o] = int(after.nodes[o] - before.nodes[o])
	}
	return s
}

func renderSummary(summaries []tableSummary) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := table.Row{"table", "written"}
	for _, o := range outcomes {
		header = append(header, o)
	}
	header = append(header, "downloads", "took")
	tw.AppendHeader(header)

	for _, s := range summaries {
		row := table.Row{s.name, strconv.Itoa(s.written)}
		for _, o := range outcomes {
			row = append(row, strconv.Itoa(s.nodes[o]))
		}
		row = append(row, strconv.Itoa(s.downloads)+" ("+humanize.Bytes(s.downloaded)+")", s.took.Round(time.Millisecond).String())
		tw.AppendRow(row)
	}

	columnConfigs := make([]table.ColumnConfig, 0, len(header))
	for i := range header {
		align := text.AlignRight
		if i == 0 {
			align = text.AlignLeft
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}
