// Command coordinatord runs the ceremony coordinator's HTTP API, its
// background Scheduler scan loop, and a Prometheus /metrics listener.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	dockerclient "github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/MuriData/zk-ceremony-coordinator/api"
	"github.com/MuriData/zk-ceremony-coordinator/config"
	"github.com/MuriData/zk-ceremony-coordinator/internal/logging"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/blobstore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/bootstrap"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/compute"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/finalizer"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metastore"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/metrics"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/scheduler"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/upload"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/verifier"
	"github.com/MuriData/zk-ceremony-coordinator/pkg/zkengine"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML/TOML/JSON config file")
	flag.Parse()

	log := logging.New("coordinatord")

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	store, err := openMetaStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open metastore")
	}
	defer store.Close()

	blobs, err := openBlobStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open blobstore")
	}

	provider, err := openComputeProvider(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no ComputeProvider configured, VM-verified circuits will fail at setup")
	}

	engine := zkengine.New()
	m := metrics.New(prometheus.NewRegistry())

	boot := bootstrap.New(store, blobs, provider, cfg.CeremonyBucketPostfix, cfg.VMImageRef)
	sched := scheduler.New(store, log).WithMetrics(m)
	verif := verifier.New(store, blobs, engine, provider, sched, cfg.VerificationTimeout()).WithMetrics(m)
	final := finalizer.New(store, blobs, engine, provider, log)
	uploads := upload.New(store, blobs, cfg.PresignedURLExpiration())

	server := api.NewServer(cfg, log, store, blobs, boot, sched, verif, final, uploads, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx, cfg.SchedulerScanInterval())

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, log, cfg.MetricsAddr, m.Registry)
	}

	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}

func openMetaStore(cfg *config.Config) (metastore.MetaStore, error) {
	switch cfg.MetaStoreDriver {
	case "pebble":
		return metastore.OpenPebbleStore(cfg.PebbleDataDir)
	default:
		return metastore.NewMemStore(), nil
	}
}

func openBlobStore(cfg *config.Config) (blobstore.BlobStore, error) {
	if cfg.S3Endpoint == "" {
		return blobstore.NewMemBlobStore(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = &cfg.S3Endpoint
		o.UsePathStyle = true
	})
	return blobstore.NewS3Store(client), nil
}

func openComputeProvider(cfg *config.Config) (compute.ComputeProvider, error) {
	if cfg.DockerHost == "" {
		return nil, nil
	}
	cli, err := dockerclient.NewClientWithOpts(dockerclient.WithHost(cfg.DockerHost), dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return compute.NewDockerProvider(cli, cfg.VMWorkspace), nil
}

func serveMetrics(ctx context.Context, log zerolog.Logger, addr string, reg prometheus.Registerer) {
	gatherer, ok := reg.(prometheus.Gatherer)
	mux := http.NewServeMux()
	if ok {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server")
	}
}
