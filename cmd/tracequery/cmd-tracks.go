package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "github.com/arkilian/tracequery/internal/api/grpc"
	"github.com/arkilian/tracequery/internal/track"
)

type tracksCmd struct {
	Category string `help:"only list tracks of this category"`
	Addr     string `help:"gRPC address of a running service; discovers in-process when empty"`
	Recount  bool   `help:"recount records and time ranges with the table statements before listing"`
}

func (cmd *tracksCmd) Run(g *globalOptions) error {
	ctx := context.Background()
	if cmd.Addr != "" {
		if cmd.Recount {
			return fmt.Errorf("--recount runs in-process only")
		}
		return cmd.remote(ctx)
	}

	var filter *track.Category
	if cmd.Category != "" {
		c, err := track.ParseCategory(cmd.Category)
		if err != nil {
			return err
		}
		filter = &c
	}

	a, err := g.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Recount {
		out, err := a.Processor().RecountTracks(ctx, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "recounted %d tracks with %d statements\n", out.Tracks, out.Statements)
	}

	var infos []track.Info
	for _, t := range a.Tracks().Tracks() {
		if filter == nil || t.Category == *filter {
			infos = append(infos, t.Info())
		}
	}
	start, end := a.Tracks().TraceRange()
	printTracks(infos, start, end)
	return nil
}

func (cmd *tracksCmd) remote(ctx context.Context) error {
	conn, err := grpc.NewClient(cmd.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := grpcapi.NewClient(conn).ListTracks(ctx, cmd.Category)
	if err != nil {
		return err
	}
	fields := resp.AsMap()
	list, _ := fields["tracks"].([]interface{})
	infos := make([]track.Info, 0, len(list))
	for _, raw := range list {
		m, _ := raw.(map[string]interface{})
		infos = append(infos, track.Info{
			ID:          uint32(number(m["id"])),
			Category:    fmt.Sprint(m["category"]),
			Operation:   fmt.Sprint(m["operation"]),
			Identifiers: stringList(m["identifiers"]),
			Instance:    fmt.Sprint(m["instance"]),
			Records:     uint64(number(m["records"])),
			MinTS:       int64(number(m["min_ts"])),
			MaxTS:       int64(number(m["max_ts"])),
		})
	}
	printTracks(infos, int64(number(fields["start_ts"])), int64(number(fields["end_ts"])))
	return nil
}

func printTracks(infos []track.Info, start, end int64) {
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"id", "category", "operation", "identifiers", "instance", "records", "start", "end"})
	var total uint64
	for _, t := range infos {
		total += t.Records
		w.Append([]string{
			strconv.FormatUint(uint64(t.ID), 10),
			t.Category,
			t.Operation,
			strings.Join(t.Identifiers, " "),
			t.Instance,
			humanize.Comma(int64(t.Records)),
			strconv.FormatInt(t.MinTS, 10),
			strconv.FormatInt(t.MaxTS, 10),
		})
	}
	w.SetFooter([]string{"", "", "", "", "", humanize.Comma(int64(total)), "", ""})
	w.Render()
	fmt.Printf("%d tracks, trace range %d to %d\n", len(infos), start, end)
}
