package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/persistence/capture"
	"ghostsync.ai/internal/persistence/indexdb"
	"ghostsync.ai/internal/sim/arena"
)

func main() {
	var (
		captureDir   = flag.String("capture", "", "capture directory (contains packets/)")
		dir          = flag.String("dir", capture.DirOut, "packet direction to replay: out (server capture) or in (client capture)")
		session      = flag.String("session", "", "only replay this session (optional)")
		staticCrates = flag.Int("static_ghosts", 16, "number of prespawned crates the server placed")
		sizeHeaders  = flag.Bool("size_headers", false, "packets carry per-entity size headers")
		historyDepth = flag.Int("history_depth", 0, "snapshot history depth (0 for the default)")
		indexPath    = flag.String("index", "", "write decode results to this sqlite file (optional)")
		verbose      = flag.Bool("v", false, "log every packet")
	)
	flag.Parse()

	if *captureDir == "" {
		fmt.Fprintln(os.Stderr, "missing -capture")
		os.Exit(2)
	}

	files, err := capture.ListFiles(filepath.Join(*captureDir, "packets"), "packets")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list captures:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no capture files found in", *captureDir)
		os.Exit(1)
	}

	var idx *indexdb.SQLiteIndex
	if *indexPath != "" {
		idx, err = indexdb.OpenSQLite(*indexPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
		defer idx.Close()
	}

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)
	types, err := arena.NewTypes()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ghost types:", err)
		os.Exit(1)
	}
	wcfg := world.DefaultConfig()
	if *historyDepth > 0 {
		wcfg.HistoryCapacity = *historyDepth
	}

	rp := &replayer{
		types: types,
		cfg: arena.ReplicaConfig{
			World:        wcfg,
			SizeHeaders:  *sizeHeaders,
			StaticCrates: *staticCrates,
		},
		logger:   logger,
		index:    idx,
		verbose:  *verbose,
		replicas: map[string]*sessionReplay{},
	}
	for _, path := range files {
		if err := rp.replayFile(path, *dir, *session); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	ids := make([]string, 0, len(rp.replicas))
	for id := range rp.replicas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := rp.replicas[id]
		fmt.Printf("session=%s packets=%d stale=%d desyncs=%d last_tick=%v ghosts=%d\n",
			id, s.packets, s.stale, s.desyncs, s.replica.LatestTick(), s.replica.World.Len())
	}
	if rp.failed > 0 {
		fmt.Printf("replay failed: %d sessions dropped on protocol errors\n", rp.failed)
		os.Exit(1)
	}
	fmt.Printf("replay ok: sessions=%d\n", len(ids))
}

type sessionReplay struct {
	replica *arena.Replica
	packets int
	stale   int
	desyncs int
	dead    bool
}

type replayer struct {
	types    arena.Types
	cfg      arena.ReplicaConfig
	logger   *log.Logger
	index    *indexdb.SQLiteIndex
	verbose  bool
	replicas map[string]*sessionReplay
	failed   int
}

func (rp *replayer) replayFile(path, dir, only string) error {
	r, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Dir != dir || (only != "" && rec.Session != only) {
			continue
		}
		if err := rp.replayRecord(rec); err != nil {
			return err
		}
	}
}

func (rp *replayer) replayRecord(rec capture.Record) error {
	s, ok := rp.replicas[rec.Session]
	if !ok {
		r, err := arena.NewReplica(rp.types, rp.cfg, rp.logger, nil)
		if err != nil {
			return err
		}
		s = &sessionReplay{replica: r}
		rp.replicas[rec.Session] = s
	}
	if s.dead {
		return nil
	}
	s.packets++
	res, _, err := s.replica.HandlePacket(rec.Packet)
	if err != nil {
		rp.logger.Printf("session %s tick %d: %v", rec.Session, rec.Tick, err)
		s.dead = true
		rp.failed++
		return nil
	}
	if res.Stale {
		s.stale++
	}
	if res.Desync != nil {
		s.desyncs++
		if rp.index != nil {
			rp.index.RecordDesync(indexdb.DesyncRow{
				Session: rec.Session,
				Tick:    uint32(res.Tick),
				Cause:   "decode",
				Message: res.Desync.Error(),
			})
		}
	}
	if rp.verbose {
		rp.logger.Printf("session %s tick %v bits=%d updated=%d spawned=%d despawned=%d",
			rec.Session, res.Tick, res.Bits, len(res.Updated), res.Spawned, len(res.Despawned))
	}
	if rp.index != nil {
		rp.index.RecordPacket(indexdb.PacketRow{
			Session:   rec.Session,
			Tick:      uint32(res.Tick),
			Bits:      res.Bits,
			Relevant:  res.RelevantCount,
			Updated:   len(res.Updated),
			Spawned:   res.Spawned,
			Despawned: len(res.Despawned),
			Stale:     res.Stale,
			Desyncs:   res.Desyncs,
		})
	}
	return nil
}
