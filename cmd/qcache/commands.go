package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/pior/qclient"
	"github.com/pior/qclient/codec"
	"github.com/pior/qclient/protocol"
)

var postFlags struct {
	file      string
	compress  string
	declared  string
	rowHint   int
	types     []string
	standIns  []string
	enumSpecs string
}

var postCmd = &cobra.Command{
	Use:   "post <key>",
	Short: "Upload a CSV dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readInput(postFlags.file)
		if err != nil {
			return err
		}

		req := &qclient.PostRequest{Key: args[0], Body: body}
		if req.Compress, err = codec.ParseEncoding(postFlags.compress); err != nil {
			return err
		}
		if req.ContentEncoding, err = codec.ParseEncoding(postFlags.declared); err != nil {
			return err
		}
		if cmd.Flags().Changed("row-count-hint") {
			req.RowCountHint = &postFlags.rowHint
		}
		if req.Types, err = parseKeyValues(postFlags.types); err != nil {
			return err
		}
		if req.StandInColumns, err = parseKeyValues(postFlags.standIns); err != nil {
			return err
		}
		if postFlags.enumSpecs != "" {
			if err := json.Unmarshal([]byte(postFlags.enumSpecs), &req.EnumSpecs); err != nil {
				return fmt.Errorf("invalid enum specs: %w", err)
			}
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		return client.Post(cmd.Context(), req)
	},
}

var readFlags struct {
	accept   string
	encoding string
	query    string
	standIns []string
	output   string
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a dataset, optionally filtered by a query in the URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0])
		if err != nil {
			return err
		}
		if readFlags.query != "" {
			if req.Params, err = protocol.QueryParams(readFlags.query); err != nil {
				return err
			}
		}

		return withClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			result, err := client.Get(ctx, req)
			if err != nil {
				return err
			}
			return writeResult(result)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <key> <query>",
	Short: "Run a JSON query sent in the request body",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0])
		if err != nil {
			return err
		}
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("query is not valid JSON")
		}

		return withClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			result, err := client.Query(ctx, req, json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			return writeResult(result)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe every node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			failed := 0
			for _, node := range client.Nodes() {
				if err := client.NodeStatus(ctx, node.URL); err != nil {
					failed++
					fmt.Printf("%s: %v\n", node.URL, err)
					continue
				}
				fmt.Printf("%s: OK\n", node.URL)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d nodes unhealthy", failed, len(client.Nodes()))
			}
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show node statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			all := make(map[string]any)
			for _, node := range client.Nodes() {
				stats, err := client.Statistics(ctx, node.URL)
				if err != nil {
					return err
				}
				all[node.URL] = stats
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		})
	},
}

func init() {
	f := postCmd.Flags()
	f.StringVarP(&postFlags.file, "file", "f", "-", "CSV file to upload, - for stdin")
	f.StringVar(&postFlags.compress, "compress", "", "compress the body: lz4 or lz4-frame")
	f.StringVar(&postFlags.declared, "content-encoding", "", "encoding the file is already in: lz4 or lz4-frame")
	f.IntVar(&postFlags.rowHint, "row-count-hint", 0, "number of rows in the upload")
	f.StringSliceVar(&postFlags.types, "types", nil, "column types, col=type")
	f.StringSliceVar(&postFlags.standIns, "stand-in", nil, "stand-in columns, col=value")
	f.StringVar(&postFlags.enumSpecs, "enum-specs", "", `enum columns as JSON, e.g. {"size": ["S", "M", "L"]}`)

	for _, cmd := range []*cobra.Command{getCmd, queryCmd} {
		f := cmd.Flags()
		f.StringVar(&readFlags.accept, "accept", protocol.ContentTypeCSV, "response content type: text/csv or application/json")
		f.StringVar(&readFlags.encoding, "accept-encoding", "", "response encoding: lz4 or lz4-frame")
		f.StringSliceVar(&readFlags.standIns, "stand-in", nil, "stand-in columns, col=value")
		f.StringVarP(&readFlags.output, "output", "o", "-", "output file, - for stdout")
	}
	getCmd.Flags().StringVarP(&readFlags.query, "query", "q", "", "JSON query")
}

func readRequest(key string) (*qclient.GetRequest, error) {
	req := &qclient.GetRequest{Key: key, Accept: readFlags.accept}

	var err error
	if req.AcceptEncoding, err = codec.ParseEncoding(readFlags.encoding); err != nil {
		return nil, err
	}
	if req.StandInColumns, err = parseKeyValues(readFlags.standIns); err != nil {
		return nil, err
	}
	return req, nil
}

func withClient(ctx context.Context, fn func(context.Context, *qclient.Client) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeResult(result *qclient.Result) error {
	logger.Info("response",
		"encoding", result.Encoding,
		"encoded_bytes", result.EncodedLength,
		"bytes", result.Len(),
		"rows", result.RowCount,
		"unsliced", result.UnslicedLength,
	)

	if readFlags.output == "-" {
		_, err := os.Stdout.Write(result.Body)
		return err
	}
	return os.WriteFile(readFlags.output, result.Body, 0o644)
}
