package arena

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"ghostsync.ai/internal/ghost/metrics"
	"ghostsync.ai/internal/ghost/wire"
	"ghostsync.ai/internal/ghost/world"
	"ghostsync.ai/internal/netcode/tick"
	"ghostsync.ai/internal/persistence/capture"
	"ghostsync.ai/internal/persistence/indexdb"
	"ghostsync.ai/internal/protocol"
)

// Frame is one websocket message for a session: a binary snapshot packet or
// a JSON control message.
type Frame struct {
	Binary bool
	Data   []byte
}

type JoinRequest struct {
	Hello protocol.HelloMsg
	Out   chan Frame
	Resp  chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	// Error is set when the join was refused; the session never started.
	Error *protocol.ErrorMsg
}

// Envelope carries one client control message into the host loop.
type Envelope struct {
	Session string
	Ack     *protocol.AckMsg
	Input   *protocol.InputMsg
}

type HostConfig struct {
	TickRateHz   int
	HistoryDepth int
	// SizeHeaders forces size headers on; otherwise each client chooses.
	SizeHeaders        bool
	MaxGhostsPerPacket int
	// Workers bounds concurrent packet encoding; 0 means one per session.
	Workers int
}

type session struct {
	id          string
	ship        world.GhostID
	sizeHeaders bool
	conn        *wire.Connection
	out         chan Frame
	inputTick   tick.Tick

	packet []byte
	stats  wire.EncodeStats
}

// Host runs the arena at a fixed tick rate and streams snapshots to every
// session. All arena and session state is owned by the Run goroutine.
type Host struct {
	cfg      HostConfig
	arena    *Arena
	encoders [2]*wire.Encoder
	logger   *log.Logger
	metrics  *metrics.Metrics
	packets  *capture.PacketLogger
	index    *indexdb.SQLiteIndex

	sessions    map[string]*session
	nextSession uint64

	join  chan JoinRequest
	leave chan string
	inbox chan Envelope
	stop  chan struct{}
}

func NewHost(a *Arena, cfg HostConfig, logger *log.Logger, m *metrics.Metrics) (*Host, error) {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 30
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &Host{
		cfg:      cfg,
		arena:    a,
		logger:   logger,
		metrics:  m,
		sessions: map[string]*session{},
		join:     make(chan JoinRequest, 64),
		leave:    make(chan string, 64),
		inbox:    make(chan Envelope, 1024),
		stop:     make(chan struct{}),
	}
	for i, headers := range []bool{false, true} {
		enc, err := wire.NewEncoder(a.World, wire.EncoderOptions{
			SizeHeaders:        headers,
			HistoryCapacity:    cfg.HistoryDepth,
			MaxGhostsPerPacket: cfg.MaxGhostsPerPacket,
		}, m)
		if err != nil {
			return nil, err
		}
		for _, p := range a.Prespawns() {
			if err := enc.RegisterPrespawnBaseline(p.ID, p.Type, p.Snapshot, nil); err != nil {
				return nil, err
			}
		}
		h.encoders[i] = enc
	}
	return h, nil
}

// SetPacketLogger captures every outgoing packet.
func (h *Host) SetPacketLogger(l *capture.PacketLogger) { h.packets = l }

// SetIndex records sessions and per-packet stats.
func (h *Host) SetIndex(idx *indexdb.SQLiteIndex) { h.index = idx }

func (h *Host) Join() chan<- JoinRequest { return h.join }
func (h *Host) Leave() chan<- string     { return h.leave }
func (h *Host) Inbox() chan<- Envelope   { return h.inbox }
func (h *Host) Arena() *Arena            { return h.arena }

func (h *Host) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(h.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingEnvs []Envelope

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		case req := <-h.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-h.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-h.inbox:
			pendingEnvs = append(pendingEnvs, env)
		case <-ticker.C:
			if err := h.Step(ctx, pendingJoins, pendingLeaves, pendingEnvs); err != nil {
				return err
			}
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingEnvs = pendingEnvs[:0]
		}
	}
}

func (h *Host) Stop() { close(h.stop) }

// Step runs one server tick: membership changes, client messages, the
// simulation, then one snapshot per session.
func (h *Host) Step(ctx context.Context, joins []JoinRequest, leaves []string, envs []Envelope) error {
	for _, id := range leaves {
		h.dropSession(id)
	}
	for _, req := range joins {
		resp := h.handleJoin(req)
		if req.Resp != nil {
			req.Resp <- resp
		}
	}
	for _, env := range envs {
		s, ok := h.sessions[env.Session]
		if !ok {
			continue
		}
		if env.Ack != nil {
			s.conn.Acknowledge(tick.Tick(env.Ack.Tick), env.Ack.Mask, env.Ack.Reset)
		}
		if env.Input != nil {
			t := tick.Tick(env.Input.Tick)
			if s.inputTick.IsValid() && s.inputTick.IsNewerThan(t) {
				continue
			}
			s.inputTick = t
			h.arena.SetInput(s.ship, InputFromMsg(*env.Input))
		}
	}

	t := h.arena.Step()
	return h.broadcast(ctx, t)
}

func (h *Host) handleJoin(req JoinRequest) JoinResponse {
	if e := CheckPrefabs(h.arena.Types.Registry, req.Hello.Prefabs); e != nil {
		return JoinResponse{Error: e}
	}
	ship, err := h.arena.Join()
	if err != nil {
		return JoinResponse{Error: errorMsg(protocol.ErrServerFull, err.Error())}
	}
	h.nextSession++
	headers := h.cfg.SizeHeaders || req.Hello.Capabilities.SizeHeaders
	enc := h.encoders[0]
	if headers {
		enc = h.encoders[1]
	}
	s := &session{
		id:          fmt.Sprintf("S%d", h.nextSession),
		ship:        ship,
		sizeHeaders: headers,
		conn:        enc.NewConnection(),
		out:         req.Out,
	}
	h.sessions[s.id] = s
	h.metrics.Connected(1)
	h.logger.Printf("session %s joined (%s) ship=%v size_headers=%v", s.id, req.Hello.ClientName, ship, headers)
	if h.index != nil {
		h.index.RecordSession(indexdb.SessionRow{
			Session:      s.id,
			ClientName:   req.Hello.ClientName,
			SizeHeaders:  headers,
			HistoryDepth: enc.Options().HistoryCapacity,
			StartedAt:    time.Now(),
		})
	}
	return JoinResponse{Welcome: protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SelectedVersion: protocol.Version,
		SessionID:       s.id,
		ServerTick:      uint32(h.arena.Tick()),
		Session: protocol.SessionParams{
			TickRateHz:         h.cfg.TickRateHz,
			HistoryDepth:       enc.Options().HistoryCapacity,
			SizeHeaders:        headers,
			MaxGhostsPerPacket: h.cfg.MaxGhostsPerPacket,
			StaticGhosts:       len(h.arena.Prespawns()),
		},
		OwnedGhost: uint32(ship),
	}}
}

func (h *Host) dropSession(id string) {
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	delete(h.sessions, id)
	h.arena.Leave(s.ship)
	h.metrics.Connected(-1)
	h.logger.Printf("session %s left", id)
}

// Sessions returns the live session ids in join order.
func (h *Host) Sessions() []string {
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

// broadcast encodes every session concurrently (encoding only reads the
// world) and then hands the packets to the session writers in order.
func (h *Host) broadcast(ctx context.Context, t tick.Tick) error {
	ids := h.Sessions()
	if len(ids) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if h.cfg.Workers > 0 {
		g.SetLimit(h.cfg.Workers)
	}
	for _, id := range ids {
		s := h.sessions[id]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pkt, st := s.conn.Encode(t)
			s.packet = append(s.packet[:0], pkt...)
			s.stats = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("encode tick %v: %w", t, err)
	}

	for _, id := range ids {
		s := h.sessions[id]
		data := append([]byte(nil), s.packet...)
		select {
		case s.out <- Frame{Binary: true, Data: data}:
		default:
			// Slow reader: the packet is dropped; unacked ticks are simply
			// never used as baselines.
		}
		if h.packets != nil {
			if err := h.packets.WriteSessionPacket(s.id, capture.DirOut, uint32(t), s.stats.Bits, data); err != nil {
				h.logger.Printf("capture: %v", err)
			}
		}
		if h.index != nil {
			h.index.RecordPacket(indexdb.PacketRow{
				Session:   s.id,
				Tick:      uint32(t),
				Bits:      s.stats.Bits,
				Relevant:  s.stats.Relevant,
				Updated:   s.stats.Ghosts,
				Despawned: s.stats.Despawns,
			})
		}
	}
	return nil
}
