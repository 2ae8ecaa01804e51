package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pior/qclient"
	"github.com/pior/qclient/codec"
	"github.com/pior/qclient/metrics"
	"github.com/pior/qclient/protocol"
)

const benchHeader = "a,b,c,d,e,f,g,h"
const benchLine = "1200,456,123.12345,a string,another string,9877654.2,1234567.12,77"

// benchDataset returns a CSV body with lines data rows.
func benchDataset(lines int) []byte {
	var b strings.Builder
	b.Grow(len(benchHeader) + lines*(len(benchLine)+1))
	b.WriteString(benchHeader)
	for range lines {
		b.WriteByte('\n')
		b.WriteString(benchLine)
	}
	return []byte(b.String())
}

var benchFlags struct {
	metricsAddr string
	lines       int
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark uploads and queries",
}

var ioFlags struct {
	uploads int
	queries int
}

var benchIOCmd = &cobra.Command{
	Use:   "io",
	Short: "Time uploads and queries for each encoding",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data := benchDataset(benchFlags.lines)
		fmt.Printf("Size of input = %d\n", len(data))

		return withBenchClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			for _, enc := range []codec.Encoding{codec.LZ4Frame, codec.LZ4Block, codec.None} {
				if err := benchEncoding(ctx, client, enc, data); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func benchEncoding(ctx context.Context, client *qclient.Client, enc codec.Encoding, data []byte) error {
	key := "key_" + strings.ReplaceAll(enc.String(), "-", "_")

	if enc != codec.None {
		start := time.Now()
		compressed, err := codec.Compress(enc, data)
		if err != nil {
			return err
		}
		fmt.Printf("%s compression time: %s, bytes: %d\n", enc, time.Since(start), len(compressed))
	}

	uploads := max(ioFlags.uploads, min(ioFlags.queries, 1))
	for range uploads {
		start := time.Now()
		err := client.Post(ctx, &qclient.PostRequest{Key: key, Body: data, Compress: enc})
		if err != nil {
			return err
		}
		fmt.Printf("%s upload time: %s\n", enc, time.Since(start))
	}

	for range ioFlags.queries {
		start := time.Now()
		result, err := client.Get(ctx, &qclient.GetRequest{Key: key, Accept: protocol.ContentTypeCSV, AcceptEncoding: enc})
		if err != nil {
			return err
		}
		fmt.Printf("%s query time: %s, encoded size: %d, size: %d, rows: %d\n",
			enc, time.Since(start), result.EncodedLength, result.Len(), result.RowCount)
	}
	return nil
}

var trafficFlags struct {
	workers  int
	duration time.Duration
	encoding string
	report   int
}

var benchTrafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Post datasets under new keys until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if trafficFlags.workers < 1 || trafficFlags.report < 1 {
			return fmt.Errorf("--workers and --report-every must be positive")
		}
		enc, err := codec.ParseEncoding(trafficFlags.encoding)
		if err != nil {
			return err
		}
		data := benchDataset(benchFlags.lines)
		fmt.Printf("Size of input = %d\n", len(data))

		return withBenchClient(cmd.Context(), func(ctx context.Context, client *qclient.Client) error {
			if trafficFlags.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, trafficFlags.duration)
				defer cancel()
			}
			return runTraffic(ctx, client, enc, data)
		})
	},
}

func runTraffic(ctx context.Context, client *qclient.Client, enc codec.Encoding, data []byte) error {
	var next, done, failed atomic.Int64
	var elapsed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for range trafficFlags.workers {
		g.Go(func() error {
			for ctx.Err() == nil {
				n := next.Add(1) - 1
				start := time.Now()
				err := client.Post(ctx, &qclient.PostRequest{Key: fmt.Sprintf("key%d", n), Body: data, Compress: enc})
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					if !qclient.IsRetryable(err) {
						return err
					}
					failed.Add(1)
					continue
				}

				elapsed.Add(int64(time.Since(start)))
				if count := done.Add(1); count%int64(trafficFlags.report) == 0 {
					mean := time.Duration(elapsed.Swap(0) / int64(trafficFlags.report))
					fmt.Printf("Total count: %d, mean req time: %s, failures: %d\n", count, mean, failed.Load())
				}
			}
			return nil
		})
	}

	err := g.Wait()
	fmt.Printf("Posted %d datasets, %d transport failures\n", done.Load(), failed.Load())
	return err
}

// withBenchClient runs fn until it returns or the process is interrupted,
// serving metrics meanwhile when --metrics-addr is set.
func withBenchClient(ctx context.Context, fn func(context.Context, *qclient.Client) error) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return withClient(ctx, func(ctx context.Context, client *qclient.Client) error {
		if benchFlags.metricsAddr != "" {
			exporter := metrics.NewExporter(client)
			go func() {
				err := exporter.ListenAndServe(benchFlags.metricsAddr)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "addr", benchFlags.metricsAddr, "error", err)
				}
			}()
			logger.Info("serving metrics", "addr", benchFlags.metricsAddr)
		}

		err := fn(ctx, client)

		stats := client.Stats()
		logger.Info("client stats",
			"posts", stats.Posts,
			"gets", stats.Gets,
			"errors", stats.Errors,
			"timeouts", stats.Timeouts,
			"bytes_sent", stats.BytesSent,
			"bytes_received", stats.BytesReceived,
		)
		return err
	})
}

func init() {
	pf := benchCmd.PersistentFlags()
	pf.StringVar(&benchFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	pf.IntVar(&benchFlags.lines, "line-count", 1000, "rows in the benchmark dataset")

	f := benchIOCmd.Flags()
	f.IntVar(&ioFlags.uploads, "uploads", 1, "uploads per encoding")
	f.IntVar(&ioFlags.queries, "queries", 1, "queries per encoding")

	f = benchTrafficCmd.Flags()
	f.IntVar(&trafficFlags.workers, "workers", 1, "concurrent uploaders")
	f.DurationVar(&trafficFlags.duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	f.StringVar(&trafficFlags.encoding, "encoding", "", "compress uploads: lz4 or lz4-frame")
	f.IntVar(&trafficFlags.report, "report-every", 100, "print the mean request time every N uploads")

	benchCmd.AddCommand(benchIOCmd, benchTrafficCmd)
}
