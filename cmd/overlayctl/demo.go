package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	overlay "github.com/bsv-blockchain/go-overlay"
	"github.com/bsv-blockchain/go-overlay/memnet"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	demoNodes   int
	demoTimeout time.Duration
	demoMetrics bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Bridge the first peer of an in-memory line to every other peer",
	Long: `demo builds the line P1 - P2 - ... - PN on an in-memory network, bootstraps each
arc out of band, then connects P1 to P3 through P2, to P4 through P3 and so on,
and prints the arc tables of every node.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
		defer cancel()

		return runDemo(ctx, cmd.OutOrStdout(), logger, cfg, demoOptions{
			nodes:   demoNodes,
			format:  outputFormat,
			metrics: demoMetrics,
		})
	},
}

func init() {
	demoCmd.Flags().IntVarP(&demoNodes, "nodes", "n", 3, "number of peers in the line (at least 2)")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "overall deadline of the demo")
	demoCmd.Flags().BoolVar(&demoMetrics, "metrics", false, "print the overlay metrics of every node after the tables")
	rootCmd.AddCommand(demoCmd)
}

type demoOptions struct {
	nodes   int
	format  string
	metrics bool
}

func runDemo(ctx context.Context, w io.Writer, logger overlay.Logger, base overlay.Config, opts demoOptions) error {
	count := opts.nodes
	if count < 2 {
		return errors.New("demo needs at least 2 nodes")
	}

	network := memnet.NewNetwork(logger)

	nodes := make([]*overlay.Node, 0, count)
	names := make(map[string]string, count)
	registries := make([]*prometheus.Registry, 0, count)

	defer func() {
		for _, n := range nodes {
			_ = n.Stop(context.Background())
		}
	}()

	for i := 1; i <= count; i++ {
		id, err := network.NewPeer()
		if err != nil {
			return err
		}

		config := base
		config.ProcessName = fmt.Sprintf("P%d", i)

		n, err := overlay.NewNode(ctx, logger, config, id, network.Engines(id))
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		n.SetMetrics(overlay.NewMetrics(reg, config.MetricsNamespace))
		registries = append(registries, reg)

		if err = n.Start(ctx); err != nil {
			return err
		}

		nodes = append(nodes, n)
		names[id.String()] = config.ProcessName
	}

	for i := 0; i+1 < len(nodes); i++ {
		if _, err := nodes[i].ConnectionTo(ctx, nodes[i+1]); err != nil {
			return fmt.Errorf("bootstrapping P%d to P%d: %w", i+1, i+2, err)
		}

		if err := waitForArc(ctx, nodes[i+1].Inview(), nodes[i].HostID()); err != nil {
			return err
		}
	}

	first := nodes[0]
	for k := 2; k < len(nodes); k++ {
		via, target := nodes[k-1], nodes[k]

		if _, err := first.Connect(ctx, via.HostID(), target.HostID()); err != nil {
			return fmt.Errorf("bridging P1 to P%d through P%d: %w", k+1, k, err)
		}

		if err := waitForArc(ctx, target.Inview(), first.HostID()); err != nil {
			return err
		}
	}

	view := make([]overlay.NodeI, 0, len(nodes))
	for _, n := range nodes {
		view = append(view, n)
	}

	if err := writeRows(w, opts.format, collectRows(view, names)); err != nil {
		return err
	}

	if !opts.metrics {
		return nil
	}

	var samples []metricRow
	for i, reg := range registries {
		rows, err := gatherRows(fmt.Sprintf("P%d", i+1), reg)
		if err != nil {
			return err
		}
		samples = append(samples, rows...)
	}

	return writeMetricRows(w, opts.format, samples)
}

// waitForArc polls until the table holds an arc to the peer. The accepting side learns
// about a ready arc shortly after the initiator does.
func waitForArc(ctx context.Context, table *overlay.ArcTable, peerID peer.ID) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for table.Count(peerID) == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s arc to %s: %w", table.Role(), peerID.ShortString(), ctx.Err())
		case <-ticker.C:
		}
	}

	return nil
}
