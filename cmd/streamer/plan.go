package main

import (
	"fmt"
	"io"

	"github.com/devrev/pairdb/streamer/internal/config"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/node"
	"github.com/devrev/pairdb/streamer/internal/rangestream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type planOptions struct {
	topologyFile string
	endpoint     string
	datacenter   string
	rack         string
	snitch       string
	operation    string
	tokens       []int64
	target       string
	sourceDC     string
	down         []string
	consistent   bool
	verbose      bool
}

func newPlanCmd() *cobra.Command {
	opts := planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the ranges a topology operation would stream, without moving data",
		Example: `  streamer plan --topology topology.yaml --endpoint 10.0.0.4:7100 --tokens 150,-300
  streamer plan --topology topology.yaml --endpoint 10.0.0.1:7100 --operation decommission`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.topologyFile, "topology", "", "cluster topology file")
	f.StringVar(&opts.endpoint, "endpoint", "", "endpoint of the local node")
	f.StringVar(&opts.datacenter, "dc", "", "datacenter of a joining node")
	f.StringVar(&opts.rack, "rack", "", "rack of a joining node")
	f.StringVar(&opts.snitch, "snitch", "topology", "snitch used to order sources")
	f.StringVar(&opts.operation, "operation", string(node.OpBootstrap), "bootstrap, replace, rebuild, decommission or removenode")
	f.Int64SliceVar(&opts.tokens, "tokens", nil, "tokens of a joining node")
	f.StringVar(&opts.target, "target", "", "node being replaced or removed")
	f.StringVar(&opts.sourceDC, "source-dc", "", "rebuild only from this datacenter")
	f.StringSliceVar(&opts.down, "down", nil, "endpoints to treat as unreachable")
	f.BoolVar(&opts.consistent, "consistent-range-movement", true, "stream from the replica each range moves away from")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log resolution details")
	_ = cmd.MarkFlagRequired("topology")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func runPlan(cmd *cobra.Command, opts planOptions) error {
	logger := zap.NewNop()
	if opts.verbose {
		var err error
		if logger, err = initLogger("debug", "console"); err != nil {
			return err
		}
	}

	topo, err := config.LoadTopology(opts.topologyFile)
	if err != nil {
		return err
	}
	self := locator.Endpoint(opts.endpoint)
	cat, err := topo.Build(self)
	if err != nil {
		return err
	}
	topology := cat.TokenMetadata().Topology()
	if opts.datacenter != "" && !topology.Has(self) {
		rack := opts.rack
		if rack == "" {
			rack = locator.DefaultRack
		}
		topology.Add(self, locator.Location{Datacenter: opts.datacenter, Rack: rack})
	}
	snitch, err := locator.NewSnitch(opts.snitch, topology)
	if err != nil {
		return err
	}

	detector := gossip.NewStaticDetector(len(opts.down) > 0)
	for _, ep := range opts.down {
		detector.MarkDown(locator.Endpoint(ep))
	}

	op := node.New(node.Config{
		NodeID:                  opts.endpoint,
		Self:                    self,
		ConsistentRangeMovement: opts.consistent,
	}, node.Dependencies{
		Catalog:  cat,
		Snitch:   snitch,
		Detector: detector,
	}, logger)

	req := node.Request{
		Operation: node.Operation(opts.operation),
		Target:    locator.Endpoint(opts.target),
		SourceDC:  opts.sourceDC,
	}
	for _, t := range opts.tokens {
		req.Tokens = append(req.Tokens, dht.Token(t))
	}
	plans, err := op.Plan(cmd.Context(), req)
	if err != nil {
		return err
	}
	printPlans(cmd.OutOrStdout(), req.Operation, plans)
	return nil
}

func printPlans(w io.Writer, op node.Operation, plans []node.KeyspacePlan) {
	if len(plans) == 0 {
		fmt.Fprintf(w, "%s: nothing to stream\n", op)
		return
	}
	for _, p := range plans {
		verb := "fetch from"
		if p.Direction == rangestream.DirectionSending {
			verb = "send to"
		}
		fmt.Fprintf(w, "keyspace %s (%d ranges)\n", p.Keyspace, p.Fetch.RangeCount())
		for _, ep := range p.Fetch.Endpoints() {
			fmt.Fprintf(w, "  %s %s: %s\n", verb, ep, dht.FormatRanges(p.Fetch[ep]))
		}
	}
}
