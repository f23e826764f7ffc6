package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arkilian/tracequery/internal/processor"
)

type sliceCmd struct {
	Start  int64    `help:"window start timestamp" required:""`
	End    int64    `help:"window end timestamp" required:""`
	Tracks []uint32 `help:"track ids to slice; every track when empty" short:"t"`
}

func (cmd *sliceCmd) Run(g *globalOptions) error {
	ctx := context.Background()
	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	rs := &processor.ResultSet{}
	out, err := a.Processor().Slice(ctx, processor.SliceRequest{Start: cmd.Start, End: cmd.End, Tracks: cmd.Tracks}, rs)
	if err != nil {
		return err
	}
	for _, t := range rs.Tables {
		renderTable(t.Columns, t.Rows)
	}
	fmt.Printf("%s rows from %d statements (%s)\n", humanize.Comma(int64(out.Rows)), out.Statements,
		time.Since(start).Round(time.Millisecond))
	if len(out.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "warning: tracks skipped: %v\n", out.Skipped)
	}
	return nil
}
