package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/arkilian/tracequery/internal/api/grpc"
	"github.com/arkilian/tracequery/internal/processor"
	"github.com/arkilian/tracequery/internal/track"
)

// compoundOptions describe a compound query either as a file holding its
// text or as track ids plus commands.
type compoundOptions struct {
	File     string   `help:"read compound query text from this file" type:"existingfile" short:"f"`
	Tracks   []uint32 `help:"track ids to load; every track when empty" short:"t"`
	Category string   `help:"only load tracks of this category"`
	Type     string   `help:"table type: 0 event, 1 sample, 2 search"`
	Filter   string   `help:"filter expression, e.g. \"duration > 100 AND kernel_name LIKE 'gemm%'\""`
	Group    string   `help:"group column and aggregations, e.g. \"kernel_name, AVG(duration) AS avg_dur\""`
	Sort     string   `help:"sort order, e.g. \"DESC duration\""`
	Limit    string   `help:"page size"`
	Offset   string   `help:"page offset"`
	Count    bool     `help:"print the row count instead of rows"`
	NoSplit  bool     `help:"run each track as one statement even above the split threshold" name:"no-split"`
}

func (o *compoundOptions) commands() []track.Command {
	var cmds []track.Command
	add := func(name, param string) {
		if param != "" {
			cmds = append(cmds, track.Command{Name: name, Parameter: param})
		}
	}
	add(track.CmdType, o.Type)
	add(track.CmdFilter, o.Filter)
	add(track.CmdGroup, o.Group)
	add(track.CmdSort, o.Sort)
	add(track.CmdLimit, o.Limit)
	add(track.CmdOffset, o.Offset)
	if o.Count {
		cmds = append(cmds, track.Command{Name: track.CmdCount})
	}
	return cmds
}

// text returns the compound query text. Without a file, proc plans the
// table statements of the selected tracks with the configured plan flags.
func (o *compoundOptions) text(proc *processor.Processor) (string, error) {
	if o.File != "" {
		data, err := os.ReadFile(o.File)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if proc == nil {
		return "", fmt.Errorf("--file is required when querying a remote service")
	}

	c, skipped, err := proc.Plan(processor.PlanRequest{
		Tracks:   o.Tracks,
		Category: o.Category,
		Commands: o.commands(),
		NoSplit:  o.NoSplit,
	})
	if err != nil {
		return "", err
	}
	if len(skipped) > 0 {
		fmt.Fprintf(os.Stderr, "skipped unknown tracks: %v\n", skipped)
	}
	return c.String(), nil
}

type queryCmd struct {
	compoundOptions

	Addr    string `help:"gRPC address of a running service; queries in-process when empty"`
	Updated bool   `help:"refetch every track even if the track set did not change"`
}

func (cmd *queryCmd) Run(g *globalOptions) error {
	ctx := context.Background()
	if cmd.Addr != "" {
		return cmd.remote(ctx)
	}

	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	text, err := cmd.text(a.Processor())
	if err != nil {
		return err
	}

	start := time.Now()
	rs := &processor.ResultSet{}
	out, err := a.Processor().Execute(ctx, text, cmd.Updated, rs)
	if err != nil {
		return err
	}
	for _, t := range rs.Tables {
		renderTable(t.Columns, t.Rows)
	}
	printOutcome(out, time.Since(start))
	return nil
}

func (cmd *queryCmd) remote(ctx context.Context) error {
	text, err := cmd.text(nil)
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(cmd.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	start := time.Now()
	resp, err := grpcapi.NewClient(conn).Execute(ctx, text, cmd.Updated)
	if err != nil {
		return err
	}
	fields := resp.AsMap()
	tables, _ := fields["tables"].([]interface{})
	for _, raw := range tables {
		t, _ := raw.(map[string]interface{})
		renderTable(stringList(t["columns"]), rowList(t["rows"]))
	}
	if o, ok := fields["outcome"].(map[string]interface{}); ok {
		fmt.Printf("%s of %s rows (%s)\n", humanize.Comma(int64(number(o["emitted"]))),
			humanize.Comma(int64(number(o["total"]))), time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func renderTable(columns []string, rows [][]string) {
	w := tablewriter.NewWriter(os.Stdout)
	w.SetAutoFormatHeaders(false)
	w.SetHeader(columns)
	w.AppendBulk(rows)
	w.Render()
}

func printOutcome(out processor.Outcome, took time.Duration) {
	what := "rows"
	if out.Grouped {
		what = "groups"
	}
	fmt.Printf("%s of %s %s from the %s table (%s", humanize.Comma(int64(out.Emitted)),
		humanize.Comma(int64(out.Total)), what, out.Bucket, took.Round(time.Millisecond))
	if out.Fetched {
		fmt.Printf(", fetched %d tracks", out.Added)
	}
	fmt.Println(")")
	for _, w := range out.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if len(out.Skipped) > 0 {
		fmt.Fprintf(os.Stderr, "warning: unknown tracks skipped: %v\n", out.Skipped)
	}
}

func number(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func stringList(v interface{}) []string {
	list, _ := v.([]interface{})
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, fmt.Sprint(s))
	}
	return out
}

func rowList(v interface{}) [][]string {
	list, _ := v.([]interface{})
	out := make([][]string, 0, len(list))
	for _, r := range list {
		out = append(out, stringList(r))
	}
	return out
}
