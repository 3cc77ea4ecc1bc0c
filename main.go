package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"vj-decoder/bpf"
	"vj-decoder/capture"
	"vj-decoder/config"
	"vj-decoder/prom"
	"vj-decoder/statistics"
	"vj-decoder/types"
	"vj-decoder/vj"
)

// builtinFilter selects the in-process VJ protocol filter instead of a
// compiled tcpdump expression.
const builtinFilter = "vj"

type capturedFrame struct {
	frame vj.Frame
	ts    time.Time
}

func initLogger(debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

func main() {
	var (
		configFile = flag.String("config", "", "Path to a TOML configuration file")
		file       = flag.String("file", "", "pcap file captured on a PPP link")
		linkType   = flag.String("link-type", "", "Override the capture link type (ppp, ppp_with_dir)")
		bpfFilter  = flag.String("filter", "", "tcpdump-compatible frame filter, or \"vj\" for the built-in VJ protocol filter")
		passes     = flag.Int("passes", 1, "Number of times to decode the capture; later passes re-dissect")
		listen     = flag.String("metrics", "", "Serve Prometheus metrics on this address and wait for a signal")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		goMetrics  = flag.Bool("go-metrics", false, "Enable Go Metrics")
	)
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "file":
			cfg.Input.File = *file
		case "link-type":
			cfg.Input.LinkType = *linkType
		case "filter":
			cfg.Input.Filter = *bpfFilter
		case "passes":
			cfg.Input.Passes = *passes
		case "metrics":
			cfg.Metrics.Listen = *listen
		case "debug":
			cfg.Log.Debug = *debug
		case "go-metrics":
			cfg.Metrics.GoMetrics = *goMetrics
		}
	})

	logger := initLogger(cfg.Log.Debug)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting VJ header decoder", "file", cfg.Input.File, "passes", cfg.Input.Passes)

	frames, reader, err := readCapture(cfg.Input)
	if err != nil {
		logger.Error("Error reading capture", "error", err)
		os.Exit(1)
	}
	logger.Info("Capture loaded", "link_type", reader.LinkType(), "frames", len(frames), "skipped", reader.Skipped, "filtered", reader.Filtered)

	session := vj.NewSession()
	collector := prom.NewDecoderCollector(session)
	collector.UpdateCaptureStats(reader.Skipped, reader.Filtered)

	for pass := 1; pass <= cfg.Input.Passes; pass++ {
		failed := decodePass(logger, collector, frames, pass)
		logger.Info("Pass complete", "pass", pass, "frames", len(frames), "failed", failed)
	}

	printSummary(logger, collector)

	if cfg.Metrics.Listen == "" {
		return
	}
	if err := serveMetrics(logger, collector, cfg.Metrics); err != nil {
		logger.Error("Metrics server failed", "error", err)
		os.Exit(1)
	}
}

// readCapture loads every VJ frame of the capture into memory so it can be
// decoded more than once.
func readCapture(in config.Input) ([]capturedFrame, *capture.Reader, error) {
	reader, err := capture.Open(in.File)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	if in.LinkType != "" {
		lt, err := capture.ParseLinkType(in.LinkType)
		if err != nil {
			return nil, nil, err
		}
		if err := reader.SetLinkType(lt); err != nil {
			return nil, nil, err
		}
	}

	switch in.Filter {
	case "":
	case builtinFilter:
		offset := uint32(2)
		if reader.LinkType() == capture.LinkTypePPPWithDir {
			offset = 3
		}
		filter, err := bpf.ProtocolFilter(offset, uint16(capture.PPPTypeVJCompressed), uint16(capture.PPPTypeVJUncompressed))
		if err != nil {
			return nil, nil, err
		}
		reader.SetFilter(filter)
	default:
		filter, err := bpf.Compile(reader.LinkType(), in.Filter)
		if err != nil {
			return nil, nil, err
		}
		reader.SetFilter(filter)
		slog.Info("BPF filter applied successfully")
	}

	var frames []capturedFrame
	for {
		f, ci, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read frame: %w", err)
		}
		frames = append(frames, capturedFrame{frame: f, ts: ci.Timestamp})
	}
	return frames, reader, nil
}

func decodePass(logger *slog.Logger, collector *prom.DecoderCollector, frames []capturedFrame, pass int) int {
	failed := 0
	for _, cf := range frames {
		res, err := collector.ProcessFrame(cf.frame, cf.ts)
		if err != nil {
			failed++
			kind := vj.KindOf(err)
			attrs := []any{"frame", cf.frame.ID, "direction", cf.frame.Direction, "error", err}
			var de *vj.DecodeError
			if errors.As(err, &de) && de.Conn != nil {
				attrs = append(attrs, "conn", *de.Conn)
			}
			if pass == 1 {
				if kind.Recoverable() {
					logger.Warn(kind.Annotation(), attrs...)
				} else {
					logger.Error(kind.Annotation(), attrs...)
				}
			}
			continue
		}
		logger.Debug("Decoded frame",
			"frame", cf.frame.ID,
			"flow", res.Flow.String(),
			"kind", res.Kind,
			"mode", res.Mode,
			"header_len", len(res.Header),
			"payload_len", len(res.Payload),
			"replay", res.Replay,
			"truncated", res.PayloadTruncated,
		)
	}
	return failed
}

func printSummary(logger *slog.Logger, collector *prom.DecoderCollector) {
	for _, key := range collector.StatelessFlows() {
		logger.Warn("Flow never refreshed", "flow", key.String())
	}

	collector.FlowsMux.RLock()
	defer collector.FlowsMux.RUnlock()

	keys := lo.Keys(collector.Flows)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Direction != keys[j].Direction {
			return keys[i].Direction < keys[j].Direction
		}
		return keys[i].Conn < keys[j].Conn
	})

	for _, key := range keys {
		flow := collector.Flows[key]
		logger.Info("Flow summary",
			"flow", key.String(),
			"refreshes", flow.Refreshes,
			"compressed", flow.Compressed,
			"replays", flow.Replays,
			"errors", flow.Errors,
			"degraded", flow.Degraded,
			"compression_ratio", fmt.Sprintf("%.3f", statistics.CalculateCompressionRatio(flow.WireHeaderBytes, flow.ReconstructedHeaderBytes)),
			"health", statistics.CalculateHealthScore(flow),
		)
	}

	flows := lo.Values(collector.Flows)
	logger.Info("Summary",
		"flows", len(flows),
		"decoded", lo.SumBy(flows, func(f *types.FlowStats) int { return f.Refreshes + f.Compressed }),
		"errors", lo.SumBy(flows, func(f *types.FlowStats) int { return f.Errors }),
		"header_bytes_saved", lo.SumBy(flows, func(f *types.FlowStats) uint64 {
			return statistics.CalculateHeaderSavings(f.WireHeaderBytes, f.ReconstructedHeaderBytes)
		}),
	)
}

func serveMetrics(logger *slog.Logger, collector *prom.DecoderCollector, cfg config.Metrics) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	if cfg.GoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		html := `<html>
			<head><title>VJ Header Decoder</title></head>
			<body>
			<h1>VJ Header Decoder</h1>
			<p><a href="/metrics">Metrics</a></p>
			</body></html>`
		if _, err := w.Write([]byte(html)); err != nil {
			logger.Error(fmt.Sprintf("Error writing HTTP response for / to client %s", r.RemoteAddr), "error", err)
		}
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(fmt.Sprintf("Starting HTTP server on %s", cfg.Listen))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
