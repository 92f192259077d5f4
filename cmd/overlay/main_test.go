package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/overlay/internal/config"
	"github.com/zde37/overlay/internal/event"
	"github.com/zde37/overlay/internal/network"
	"github.com/zde37/overlay/internal/report"
	"github.com/zde37/overlay/pkg"
	"github.com/zde37/overlay/pkg/entropy"
)

func TestBuildWorkload(t *testing.T) {
	for _, protocol := range []string{config.ProtocolRing, config.ProtocolChord} {
		t.Run(protocol, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Protocol = protocol
			cfg.M = 16
			cfg.Nodes = 6
			cfg.Keys = 10
			cfg.Lookups = 12
			cfg.StabilizeRounds = 6

			src := entropy.New(cfg.Seed)
			net, err := network.New(cfg, pkg.Nop(), src, nil)
			require.NoError(t, err)
			defer net.Close()

			tally := event.NewTally()
			buildWorkload(cfg, tally).Execute(context.Background(), net, src)

			assert.Equal(t, 6, net.Len())
			assert.Equal(t, 6, tally.Get("join").Success)
			assert.Equal(t, 10, tally.Get("put").Success)
			assert.Zero(t, tally.Get("churn_crash").Success, "churn is off")
			assert.NoError(t, net.CheckRing())
		})
	}
}

func TestPrintSummary(t *testing.T) {
	rec := report.NewRecord("ring", 16, 7, time.Unix(0, 0))
	rec.Nodes = 3
	rec.Events["put"] = event.Counts{Success: 2, Failure: 1, LastError: "boom"}

	var buf bytes.Buffer
	printSummary(&buf, rec, errors.New("successor of node-0001 is node-0001"))
	out := buf.String()
	assert.Contains(t, out, rec.RunID.String())
	assert.Contains(t, out, "topology inconsistent")
	assert.Contains(t, out, "last error: boom")

	buf.Reset()
	printRuns(&buf, nil)
	assert.Contains(t, buf.String(), "no runs stored")

	buf.Reset()
	printRuns(&buf, []report.Record{rec})
	assert.Contains(t, buf.String(), rec.RunID.String())
}
