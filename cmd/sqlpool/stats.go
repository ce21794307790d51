package main

import (
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/observability"
	"github.com/ajitpratap0/sqlpool/pkg/pool"
	"github.com/ajitpratap0/sqlpool/pkg/registry"
)

type statsReport struct {
	Pool    pool.Stats                 `json:"pool"`
	Process observability.ProcessUsage `json:"process"`
}

func newStatsCommand(flags *globalFlags, cfg func() *config.Config) *cobra.Command {
	var asJSON, readOnly, readWrite bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Open a pool, check connections out and report its state",
		Long: `Open the selected pool, optionally check out one read-write and one read-only
handle, and print the pool counters next to the process' open file descriptors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPool(flags, cfg(), nil)
			if err != nil {
				return err
			}
			defer registry.FinalizeAll()

			ctx := cmd.Context()
			var held []pool.Handle
			defer func() {
				for _, h := range held {
					_ = h.Release()
				}
			}()
			if readWrite {
				h, err := p.AcquireReadWrite(ctx)
				if err != nil {
					return err
				}
				held = append(held, h)
			}
			if readOnly {
				h, err := p.AcquireReadOnly(ctx)
				if err != nil {
					return err
				}
				held = append(held, h)
			}

			report := statsReport{Pool: p.Stats()}
			report.Process, err = observability.CurrentProcess()
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printStats(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&readWrite, "read-write", true, "Check out a read-write handle before reporting")
	cmd.Flags().BoolVar(&readOnly, "read-only", true, "Check out a read-only handle before reporting")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printStats(w io.Writer, r statsReport) {
	s := r.Pool
	fmt.Fprintf(w, "Pool %s\n", s.Name)
	fmt.Fprintf(w, "  open connections:   %d (idle %d, in use %d)\n", s.TotalOpen, s.Idle, s.InUse)
	fmt.Fprintf(w, "  read-write limit:   %s\n", limit(s.MaxReadWrite))
	fmt.Fprintf(w, "  shared read-only:   %t (refs %d)\n", s.ReadOnlyOpen, s.ReadOnlyRefs)
	fmt.Fprintf(w, "  waiters:            %d\n", s.Waiters)
	fmt.Fprintf(w, "  created/closed:     %d/%d (hosed %d, leaked %d)\n", s.Created, s.Closed, s.Hosed, s.Leaked)
	fmt.Fprintf(w, "Process %d\n", r.Process.PID)
	fmt.Fprintf(w, "  open fds:           %d\n", r.Process.OpenFDs)
	fmt.Fprintf(w, "  threads:            %d\n", r.Process.Threads)
	fmt.Fprintf(w, "  rss:                %d bytes\n", r.Process.RSSBytes)
}

func limit(n int) string {
	if n <= 0 {
		return "unbounded"
	}
	return fmt.Sprint(n)
}
