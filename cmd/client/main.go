package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/predict"
	"ghostsync.ai/internal/ghost/schema"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tuning"
	"ghostsync.ai/internal/persistence/capture"
	"ghostsync.ai/internal/protocol"
	"ghostsync.ai/internal/sim/arena"
	"ghostsync.ai/internal/transport/ws"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name        = flag.String("name", "client", "client name")
		configDir   = flag.String("configs", "./configs", "config directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		sizeHeaders = flag.Bool("size_headers", true, "ask for per-entity size headers")
		frameHz     = flag.Int("frame_hz", 60, "prediction frames per second")
		captureDir  = flag.String("capture", "", "capture received packets under this directory")
		metricsAddr = flag.String("metrics_addr", "", "serve /metrics on this address (empty to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[client] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		tune = tuning.Defaults()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Config{Registry: reg})
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Printf("metrics: %v", err)
			}
		}()
	}

	types, err := arena.NewTypes()
	if err != nil {
		logger.Fatalf("ghost types: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, welcome, err := ws.Dial(dialCtx, *url, protocol.HelloMsg{
		Type:              protocol.TypeHello,
		ProtocolVersion:   protocol.Version,
		SupportedVersions: []string{protocol.Version},
		ClientName:        *name,
		Capabilities:      protocol.HelloCapabilities{SizeHeaders: *sizeHeaders, Prediction: true},
		Prefabs:           arena.PrefabRefs(types.Registry),
	})
	dialCancel()
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer c.Close()
	logger.Printf("WELCOME session=%s ship=%d tick_rate=%d history=%d size_headers=%v",
		welcome.SessionID, welcome.OwnedGhost, welcome.Session.TickRateHz, welcome.Session.HistoryDepth, welcome.Session.SizeHeaders)

	r, err := arena.NewReplica(types, arena.ReplicaConfig{
		World: world.Config{
			HistoryCapacity:  welcome.Session.HistoryDepth,
			ChunkCapacity:    tune.ChunkCapacity,
			MaxChunkCapacity: tune.MaxChunkCapacity,
		},
		SizeHeaders:  welcome.Session.SizeHeaders,
		StaticCrates: welcome.Session.StaticGhosts,
		Scheduler: predict.SchedulerConfig{
			MaxInputTicks:       tune.Prediction.MaxInputTicks,
			FirstTimeBatchLimit: tune.Prediction.FirstTimeBatchLimit,
			RepeatedBatchLimit:  tune.Prediction.RepeatedBatchLimit,
		},
		BackupDepth:           tune.BackupDepth,
		InputCapacity:         tune.Prediction.InputCapacity,
		CaptureWorkers:        tune.Prediction.CaptureWorkers,
		MaxExtrapolationTicks: tune.MaxExtrapolationTicks,
	}, logger, m)
	if err != nil {
		logger.Fatalf("replica: %v", err)
	}
	r.Owned = world.GhostID(welcome.OwnedGhost)

	var packets *capture.PacketLogger
	if *captureDir != "" {
		packets = capture.NewPacketLogger(*captureDir, welcome.SessionID)
		defer packets.Close()
	}

	frames := make(chan arena.Frame, 64)
	go func() {
		if err := pump(ctx, c, frames); err != nil && ctx.Err() == nil {
			logger.Printf("read: %v", err)
		}
		cancel()
	}()

	p := &pilot{
		replica:  r,
		client:   c,
		logger:   logger,
		packets:  packets,
		interval: time.Second / time.Duration(max(welcome.Session.TickRateHz, 1)),
		lead:     uint32(max(tune.Prediction.LeadTicks, 1)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		crates:   welcome.Session.StaticGhosts,
	}
	ticker := time.NewTicker(time.Second / time.Duration(max(*frameHz, 1)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := p.receive(f); err != nil {
				logger.Printf("%v", err)
				return
			}
		case now := <-ticker.C:
			if err := p.frame(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("%v", err)
			}
		}
	}
}

type frameSource interface {
	Next() (arena.Frame, error)
}

// pump forwards frames until the source fails or ctx is done, then closes out.
func pump(ctx context.Context, src frameSource, out chan<- arena.Frame) error {
	defer close(out)
	for {
		f, err := src.Next()
		if err != nil {
			return err
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pilot flies the owned ship with a random walk and keeps the local
// prediction ahead of the newest snapshot.
type pilot struct {
	replica  *arena.Replica
	client   *ws.Client
	logger   *log.Logger
	packets  *capture.PacketLogger
	interval time.Duration
	lead     uint32
	rng      *rand.Rand
	crates   int

	lastPacket time.Time
	input      arena.Input
	frames     int
}

func (p *pilot) receive(f arena.Frame) error {
	if !f.Binary {
		base, err := protocol.DecodeBase(f.Data)
		if err == nil && base.Type == protocol.TypeError {
			return errors.New("server error: " + string(f.Data))
		}
		return nil
	}
	res, ack, err := p.replica.HandlePacket(f.Data)
	if p.packets != nil {
		if err := p.packets.WritePacket(capture.DirIn, uint32(res.Tick), res.Bits, f.Data); err != nil {
			p.logger.Printf("capture: %v", err)
		}
	}
	if err != nil {
		return err
	}
	p.lastPacket = time.Now()
	return p.client.SendAck(ack)
}

func (p *pilot) frame(ctx context.Context, now time.Time) error {
	latest := p.replica.LatestTick()
	if !latest.IsValid() {
		return nil
	}
	elapsed := now.Sub(p.lastPacket)
	ahead := uint32(elapsed / p.interval)
	fraction := float32(elapsed%p.interval) / float32(p.interval)
	target := latest.Add(min(p.lead+ahead, 2*p.lead))

	if newest := p.replica.Inputs.NewestTick(); !newest.IsValid() || target.IsNewerThan(newest) {
		if p.rng.Intn(30) == 0 {
			p.input = arena.Input{
				ThrustX: int8(p.rng.Intn(81) - 40),
				ThrustY: int8(p.rng.Intn(81) - 40),
				Shield:  p.rng.Intn(4) == 0,
			}
		}
		p.replica.AddInput(target, p.input)
		if err := p.client.SendInput(p.input.Msg(target)); err != nil {
			return err
		}
	}

	if _, _, err := p.replica.Predict(ctx, target, fraction); err != nil {
		return err
	}
	p.frames++
	if p.frames%300 == 0 {
		if g, ok := p.replica.Ship(); ok {
			pos := g.Chunk().Field(arena.ShipPosition, g.Index())
			p.logger.Printf("tick=%v predicted=%v pos=(%.2f, %.2f)", latest, target,
				float32(schema.GetInt32(pos, 0))/arena.PositionScale, float32(schema.GetInt32(pos, 1))/arena.PositionScale)
		}
		// interpolated ghosts render one tick behind the newest snapshot
		if p.crates > 0 {
			if pos, ok := p.replica.Position(world.StaticGhostIDBase, latest, fraction); ok {
				p.logger.Printf("crate %v z=%.2f", world.StaticGhostIDBase, pos[2])
			}
		}
	}
	return nil
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
