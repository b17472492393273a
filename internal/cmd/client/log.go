package client

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// NewLogCommand constructs the `log` command group and subcommands.
func NewLogCommand(baseURL BaseURLFunc) *cobra.Command {
	logCmd := &cobra.Command{Use: "log", Short: "Log operations"}
	logCmd.AddCommand(
		newLogCreateCommand(baseURL),
		newLogListCommand(baseURL),
		newLogDeleteCommand(baseURL),
		newLogLagCommand(baseURL),
		newLogAppendCommand(baseURL),
		newLogTailCommand(baseURL),
	)
	return logCmd
}

func newLogCreateCommand(baseURL BaseURLFunc) *cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a log; an existing log keeps its partitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("log")
			parts, _ := cmd.Flags().GetInt("partitions")
			body := map[string]any{"log": name, "partitions": parts}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/logs/create", body, &out); err != nil {
				return err
			}
			if created, ok := out["created"].(bool); ok && !created {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "EXISTS")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	createCmd.Flags().String("log", "", "Log name (namespace/name)")
	createCmd.Flags().Int("partitions", 1, "Partitions")
	_ = createCmd.MarkFlagRequired("log")
	return createCmd
}

func newLogListCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List logs with their partitions and consumer groups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/logs", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newLogDeleteCommand(baseURL BaseURLFunc) *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a log and its consumer positions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("log")
			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return fmt.Errorf("refusing to delete %s without --confirm", name)
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/logs/delete", map[string]string{"log": name}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	deleteCmd.Flags().String("log", "", "Log name (namespace/name)")
	deleteCmd.Flags().Bool("confirm", false, "Confirm deletion")
	_ = deleteCmd.MarkFlagRequired("log")
	return deleteCmd
}

func newLogLagCommand(baseURL BaseURLFunc) *cobra.Command {
	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show the lag of a consumer group on a log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("log")
			group, _ := cmd.Flags().GetString("group")
			q := url.Values{"log": {name}, "group": {group}}
			var out map[string]any
			if err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/logs/lag?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	lagCmd.Flags().String("log", "", "Log name (namespace/name)")
	lagCmd.Flags().String("group", "", "Consumer group")
	_ = lagCmd.MarkFlagRequired("log")
	_ = lagCmd.MarkFlagRequired("group")
	return lagCmd
}

func newLogAppendCommand(baseURL BaseURLFunc) *cobra.Command {
	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append a record to a log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("log")
			key, _ := cmd.Flags().GetString("key")
			data, _ := cmd.Flags().GetString("data")
			codecName, _ := cmd.Flags().GetString("codec")
			partition, _ := cmd.Flags().GetInt("partition")
			headers, _ := cmd.Flags().GetStringToString("header")
			watermark, _ := cmd.Flags().GetInt64("watermark")

			body := map[string]any{
				"log":       name,
				"key":       key,
				"data":      []byte(data),
				"codec":     codecName,
				"headers":   headers,
				"watermark": watermark,
			}
			if partition >= 0 {
				body["partition"] = partition
			}
			var out struct {
				Partition int   `json:"partition"`
				Position  int64 `json:"position"`
			}
			if err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/logs/append", body, &out); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "offset: %s:%d@%d\n", name, out.Partition, out.Position)
			return nil
		},
	}
	appendCmd.Flags().String("log", "", "Log name (namespace/name)")
	appendCmd.Flags().String("key", "", "Record key, also used for partitioning")
	appendCmd.Flags().String("data", "", "Record data")
	appendCmd.Flags().String("codec", "", "Codec (legacy|json|msgpack|proto, lz4+ prefix to compress)")
	appendCmd.Flags().Int("partition", -1, "Partition; negative routes by key")
	appendCmd.Flags().StringToString("header", nil, "Header key=value (repeatable)")
	appendCmd.Flags().Int64("watermark", 0, "Watermark value; 0 stamps the current time")
	_ = appendCmd.MarkFlagRequired("log")
	return appendCmd
}

func newLogTailCommand(baseURL BaseURLFunc) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a log as a consumer group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for _, f := range []string{"log", "group", "from", "codec", "filter"} {
				if v, _ := cmd.Flags().GetString(f); v != "" {
					q.Set(f, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			if commit, _ := cmd.Flags().GetBool("commit"); commit {
				q.Set("commit", "true")
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL()+"/v1/logs/tail?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("http error: %s", resp.Status)
			}
			sc := bufio.NewScanner(resp.Body)
			sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
			for sc.Scan() {
				line, ok := strings.CutPrefix(sc.Text(), "data: ")
				if !ok {
					continue
				}
				var item struct {
					Partition int               `json:"partition"`
					Position  int64             `json:"position"`
					Key       string            `json:"key"`
					Data      []byte            `json:"data"`
					Watermark int64             `json:"watermark"`
					Headers   map[string]string `json:"headers"`
				}
				if err := json.UnmarshalFromString(line, &item); err != nil {
					return err
				}
				out := decodedData(item.Data)
				out["partition"] = item.Partition
				out["position"] = item.Position
				out["key"] = item.Key
				out["watermark"] = item.Watermark
				if len(item.Headers) > 0 {
					out["headers"] = item.Headers
				}
				b, _ := json.Marshal(out)
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			}
			if err := sc.Err(); err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
	tailCmd.Flags().String("log", "", "Log name (namespace/name)")
	tailCmd.Flags().String("group", "tail", "Consumer group")
	tailCmd.Flags().String("from", "", "Start position: earliest|latest (default: committed)")
	tailCmd.Flags().String("codec", "", "Codec the log was written with")
	tailCmd.Flags().String("filter", "", "CEL expression records must match")
	tailCmd.Flags().Int("limit", 0, "Stop after this many records (0 = follow)")
	tailCmd.Flags().Bool("commit", false, "Commit the read position when done")
	_ = tailCmd.MarkFlagRequired("log")
	return tailCmd
}
