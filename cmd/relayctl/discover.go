package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"snippet-relay/internal/usecase/discovery"
)

const scanWindow = 3 * time.Second

func runDiscover(ctx context.Context, _ cliOptions, out io.Writer) error {
	if !mdnsBuilt {
		return discovery.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, scanWindow)
	defer cancel()

	brokers, err := newDiscoverer().Scan(ctx)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	return printBrokers(out, brokers)
}

func printBrokers(out io.Writer, brokers []discovery.Broker) error {
	if len(brokers) == 0 {
		_, err := fmt.Fprintln(out, "no brokers found")
		return err
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i].Instance < brokers[j].Instance })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tURL\tVERSION")
	for _, b := range brokers {
		version := b.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Instance, b.URL(), version)
	}
	return tw.Flush()
}
