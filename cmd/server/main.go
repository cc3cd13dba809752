package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tuning"
	"ghostsync.ai/internal/persistence/capture"
	"ghostsync.ai/internal/persistence/indexdb"
	"ghostsync.ai/internal/sim/arena"
	"ghostsync.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		crates     = flag.Int("crates", 16, "statically placed crates")
		maxShips   = flag.Int("max_ships", 64, "maximum concurrent sessions")
		workers    = flag.Int("encode_workers", 0, "concurrent packet encoders (0: one per session)")
		capturePkt = flag.Bool("capture", false, "capture every outgoing packet under <data>/packets")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite packet index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.Config{Registry: reg})

	types, err := arena.NewTypes()
	if err != nil {
		logger.Fatalf("ghost types: %v", err)
	}
	a, err := arena.New(types, arena.Config{
		World: world.Config{
			HistoryCapacity:  tune.HistoryDepth,
			ChunkCapacity:    tune.ChunkCapacity,
			MaxChunkCapacity: tune.MaxChunkCapacity,
		},
		StaticCrates: *crates,
		MaxShips:     *maxShips,
	})
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	host, err := arena.NewHost(a, arena.HostConfig{
		TickRateHz:         tune.TickRateHz,
		HistoryDepth:       tune.HistoryDepth,
		SizeHeaders:        tune.SizeHeaders,
		MaxGhostsPerPacket: tune.MaxGhostsPerPacket,
		Workers:            *workers,
	}, logger, m)
	if err != nil {
		logger.Fatalf("host: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	if *capturePkt {
		pl := capture.NewPacketLogger(*dataDir, "")
		defer pl.Close()
		host.SetPacketLogger(pl)
	}
	if !*disableDB {
		idx, err := indexdb.OpenSQLite(filepath.Join(*dataDir, "index.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		host.SetIndex(idx)
	}

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := host.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("host stopped: %v", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/ws", ws.NewServer(host, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s tick_rate=%d history=%d size_headers=%v", *addr, tune.TickRateHz, tune.HistoryDepth, tune.SizeHeaders)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
