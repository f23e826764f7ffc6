package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arkilian/tracequery/internal/processor"
)

type exportCmd struct {
	compoundOptions
}

func (cmd *exportCmd) Run(g *globalOptions) error {
	ctx := context.Background()
	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := cmd.text(a.Processor())
	if err != nil {
		return err
	}
	b, err := processor.ParseBucket(cmd.Type)
	if err != nil {
		return err
	}

	start := time.Now()
	if _, err := a.Processor().Execute(ctx, text, false, &processor.ResultSet{}); err != nil {
		return err
	}
	res, err := a.Exporter().Export(ctx, a.Processor().Bucket(b))
	if err != nil {
		return err
	}

	fmt.Printf("exported %s rows, %s in %s\n", humanize.Comma(int64(res.Rows)),
		humanize.Bytes(uint64(res.Bytes)), time.Since(start).Round(time.Millisecond))
	if res.Path != "" {
		fmt.Println("file   :", res.Path)
	}
	if res.Object != "" {
		fmt.Println("object :", res.Object)
	}
	return nil
}
