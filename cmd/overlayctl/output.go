package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// arcRow is one line of a table dump.
type arcRow struct {
	Node  string `yaml:"node"`
	Role  string `yaml:"role"`
	Peer  string `yaml:"peer"`
	Count int    `yaml:"count"`
}

// collectRows flattens the outview and inview of every node. names maps peer ids to the
// labels used in the output; unknown peers are shown by their short id.
func collectRows(nodes []overlay.NodeI, names map[string]string) []arcRow {
	label := func(id string, short string) string {
		if name, ok := names[id]; ok {
			return name
		}
		return short
	}

	var rows []arcRow

	for _, n := range nodes {
		self := n.HostID()

		for _, role := range []overlay.Role{overlay.RoleOutbound, overlay.RoleInbound} {
			for _, e := range n.Snapshot(role) {
				rows = append(rows, arcRow{
					Node:  label(self.String(), self.ShortString()),
					Role:  role.String(),
					Peer:  label(e.PeerID.String(), e.PeerID.ShortString()),
					Count: e.Count,
				})
			}
		}
	}

	return rows
}

// writeRows renders rows as an aligned table or as YAML.
func writeRows(w io.Writer, format string, rows []arcRow) error {
	switch strings.ToLower(format) {
	case "yaml":
		data, err := yaml.Marshal(rows)
		if err != nil {
			return fmt.Errorf("error formatting YAML: %w", err)
		}
		_, err = w.Write(data)

		return err

	case "table", "":
		if len(rows) == 0 {
			_, err := fmt.Fprintln(w, "No arcs.")
			return err
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tROLE\tPEER\tCOUNT")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.Node, r.Role, r.Peer, r.Count)
		}

		return tw.Flush()

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// metricRow is one sample of a node's overlay metrics.
type metricRow struct {
	Node   string  `yaml:"node"`
	Metric string  `yaml:"metric"`
	Labels string  `yaml:"labels,omitempty"`
	Value  float64 `yaml:"value"`
}

// gatherRows reads every counter and gauge sample of reg.
func gatherRows(node string, reg prometheus.Gatherer) ([]metricRow, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("error gathering metrics: %w", err)
	}

	var rows []metricRow

	for _, f := range families {
		for _, m := range f.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}

			row := metricRow{Node: node, Metric: f.GetName(), Labels: strings.Join(labels, ",")}

			switch {
			case m.GetCounter() != nil:
				row.Value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				row.Value = m.GetGauge().GetValue()
			default:
				continue
			}

			rows = append(rows, row)
		}
	}

	return rows, nil
}

func writeMetricRows(w io.Writer, format string, rows []metricRow) error {
	if strings.ToLower(format) == "yaml" {
		data, err := yaml.Marshal(map[string][]metricRow{"metrics": rows})
		if err != nil {
			return fmt.Errorf("error formatting YAML: %w", err)
		}
		_, err = w.Write(data)

		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "NODE\tMETRIC\tLABELS\tVALUE")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\n", r.Node, r.Metric, r.Labels, r.Value)
	}

	return tw.Flush()
}
