package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/s3stream/compactor/pkg/compaction"
)

func main() {
	var (
		cfg        compaction.Config
		storageCfg compaction.ObjectStorageConfig
		bucket     int
		httpAddr   string
	)
	cfg.RegisterFlags(flag.CommandLine)
	flag.StringVar(&storageCfg.Endpoint, "storage.endpoint", "", "S3-compatible endpoint.")
	flag.StringVar(&storageCfg.Region, "storage.region", "us-east-1", "S3 region.")
	flag.StringVar(&storageCfg.Bucket, "storage.bucket", "", "Destination bucket name.")
	flag.StringVar(&storageCfg.AccessKey, "storage.access-key", "", "S3 access key.")
	flag.StringVar(&storageCfg.SecretKey, "storage.secret-key", "", "S3 secret key.")
	flag.BoolVar(&storageCfg.Insecure, "storage.insecure", false, "Disable TLS for the S3 endpoint.")
	flag.IntVar(&bucket, "compaction.output-bucket", 0, "Destination bucket id for rewritten stream-set objects.")
	flag.StringVar(&httpAddr, "server.http-listen-address", ":8080", "Address to serve /metrics and /status on.")
	flag.Parse()

	storageCfg.PartSize = uint64(cfg.ObjectPartSize)

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	metrics := compaction.NewMetrics(reg)

	storage, err := compaction.NewS3ObjectStorage(storageCfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to connect to object storage", "err", err)
		os.Exit(1)
	}

	objects, streams := buildMetadataClients(storageCfg)

	reader := compaction.NewStorageReader(storage)
	indexer := compaction.NewStorageIndexer(storage)
	newWriter := func(ctx context.Context, objectID int64, bkt int16) (compaction.DataBlockWriter, error) {
		return compaction.NewStorageWriter(ctx, storage, objectID, bkt, cfg.ObjectPartSize)
	}

	manager := compaction.NewCompactionManager(cfg, int16(bucket), objects, streams, indexer, reader, newWriter, newWriter, metrics, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := manager.Status()
		fmt.Fprintf(w, "state=%s last_run_at=%s last_error=%s\n", status.State, status.LastRunAt.Format(time.RFC3339), status.LastError)
	})
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "http server failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		level.Error(logger).Log("msg", "failed to start compaction manager", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "compactor started", "http_addr", httpAddr)

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "error during shutdown", "err", err)
	}
	_ = httpServer.Close()
}

// buildMetadataClients is the seam where the out-of-scope ObjectManager and
// StreamManager implementations are wired in (spec.md §6: both are
// external collaborators, not implemented by this package).
func buildMetadataClients(cfg compaction.ObjectStorageConfig) (compaction.ObjectManager, compaction.StreamManager) {
	panic("buildMetadataClients: wire a real ObjectManager/StreamManager implementation for this deployment")
}
