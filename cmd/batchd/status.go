package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"batchd/internal/config"
	"batchd/pkg/types"
)

func newStatusCmd() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show loaded instances of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, baseURL(addr))
			if err != nil {
				return err
			}
			renderStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envStr("BATCHD_ADDR", config.DefaultAddr), "Server address or URL (env BATCHD_ADDR)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// baseURL turns a listen address like ":8080" into a URL.
func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, client *http.Client, base string) (types.StatusResponse, error) {
	var st types.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("get status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func renderStatus(w io.Writer, st types.StatusResponse) {
	fmt.Fprintf(w, "state: %s  uptime: %s  vram: %d/%d MB (margin %d)  loads: %d  evictions: %d\n",
		orDash(st.State), time.Duration(st.UptimeSeconds)*time.Second, st.UsedMB, st.BudgetMB, st.MarginMB,
		st.LoadsTotal, st.EvictionsTotal)
	if st.Error != "" {
		fmt.Fprintf(w, "error: %s\n", st.Error)
	}
	if len(st.Instances) == 0 {
		fmt.Fprintln(w, "no instances loaded")
		return
	}

	var data [][]string
	for _, in := range st.Instances {
		e := in.Engine
		data = append(data, []string{
			in.ModelID,
			in.State,
			orDash(in.Encoding),
			strconv.Itoa(e.Running),
			strconv.Itoa(e.Waiting),
			strconv.Itoa(e.Swapped),
			fmt.Sprintf("%d/%d", e.TotalBlocks-e.FreeBlocks, e.TotalBlocks),
			strconv.Itoa(e.CachedBlocks),
			strconv.Itoa(in.Inflight),
			strconv.FormatUint(e.GeneratedTokens, 10),
			strconv.FormatUint(e.Preemptions, 10),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"MODEL", "STATE", "ENCODING", "RUNNING", "WAITING", "SWAPPED", "KV BLOCKS", "CACHED", "INFLIGHT", "TOKENS", "PREEMPT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
