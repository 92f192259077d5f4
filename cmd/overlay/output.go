package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/zde37/overlay/internal/report"
)

var (
	header = color.New(color.FgCyan, color.Bold)
	good   = color.New(color.FgGreen)
	bad    = color.New(color.FgRed, color.Bold)
	faint  = color.New(color.Faint)
)

func printSummary(w io.Writer, rec report.Record, ringErr error) {
	header.Fprintf(w, "Run %s\n", rec.RunID)
	fmt.Fprintf(w, "  protocol %s, %d bits, seed %d\n", rec.Protocol, rec.Bits, rec.Seed)
	fmt.Fprintf(w, "  %d nodes, %d simulated calls (%d failed)\n", rec.Nodes, rec.Summary.RPCCalls, rec.Summary.RPCFailures)

	if ringErr == nil {
		good.Fprintln(w, "  topology consistent")
	} else {
		bad.Fprintf(w, "  topology inconsistent: %v\n", ringErr)
	}
	if rec.Misplaced == 0 {
		good.Fprintln(w, "  every key at its owner")
	} else {
		bad.Fprintf(w, "  %d keys outside their holder's range\n", rec.Misplaced)
	}

	header.Fprintln(w, "Lookups")
	for _, name := range rec.Summary.ModeNames() {
		m := rec.Summary.Modes[name]
		if m.Attempts == 0 {
			continue
		}
		rate := good
		if m.SuccessRate() < 1 {
			rate = bad
		}
		fmt.Fprintf(w, "  %-8s %5d attempts  ", name, m.Attempts)
		rate.Fprintf(w, "%6.1f%% ok", 100*m.SuccessRate())
		fmt.Fprintf(w, "  mean hops %.2f  max %d\n", m.MeanHops(), m.MaxHops)
	}

	header.Fprintln(w, "Events")
	for _, name := range sortedEventNames(rec) {
		c := rec.Events[name]
		fmt.Fprintf(w, "  %-12s ", name)
		good.Fprintf(w, "%5d ok ", c.Success)
		if c.Failure > 0 {
			bad.Fprintf(w, "%5d failed ", c.Failure)
		} else {
			fmt.Fprintf(w, "%5d failed ", 0)
		}
		faint.Fprintf(w, "%5d passive\n", c.Passive)
		if c.LastError != "" {
			faint.Fprintf(w, "    last error: %s\n", c.LastError)
		}
	}
}

func printRuns(w io.Writer, runs []report.Record) {
	if len(runs) == 0 {
		faint.Fprintln(w, "no runs stored")
		return
	}
	for _, rec := range runs {
		status := good.Sprint("consistent")
		if !rec.RingConsistent {
			status = bad.Sprint("inconsistent")
		}
		fmt.Fprintf(w, "%s  %s  %-5s m=%d nodes=%d seed=%d calls=%d  %s\n",
			header.Sprint(rec.RunID),
			rec.StartedAt.Format("2006-01-02 15:04:05"),
			rec.Protocol, rec.Bits, rec.Nodes, rec.Seed, rec.Summary.RPCCalls, status)
	}
}

func sortedEventNames(rec report.Record) []string {
	names := make([]string, 0, len(rec.Events))
	for name := range rec.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
