// Package indexdb keeps a sqlite secondary index of decoded snapshot packets
// and desync events. Capture files stay the source of truth; the index only
// makes them queryable, so writes are queued and dropped under pressure.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPacket  atomic.Uint64
	dropDesync  atomic.Uint64
	dropSession atomic.Uint64
}

type reqKind int

const (
	reqPacket reqKind = iota + 1
	reqDesync
	reqSession
)

type req struct {
	kind reqKind

	packet  PacketRow
	desync  DesyncRow
	session SessionRow
}

// PacketRow summarizes one decoded (or encoded) snapshot packet.
type PacketRow struct {
	Session   string
	Tick      uint32
	Bits      int
	Relevant  int
	Updated   int
	Spawned   int
	Despawned int
	Stale     bool
	Desyncs   int
}

type DesyncRow struct {
	Session string
	Tick    uint32
	Cause   string
	Message string
}

type SessionRow struct {
	Session      string
	ClientName   string
	SizeHeaders  bool
	HistoryDepth int
	StartedAt    time.Time
}

type Stats struct {
	DropPacketTotal  uint64
	DropDesyncTotal  uint64
	DropSessionTotal uint64
	QueueDepth       int
	QueueCapacity    int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// one entry per packet per client; sized for several seconds of backlog
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			size_headers INTEGER NOT NULL,
			history_depth INTEGER NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS packets (
			session TEXT NOT NULL,
			tick INTEGER NOT NULL,
			bits INTEGER NOT NULL,
			relevant INTEGER NOT NULL,
			updated INTEGER NOT NULL,
			spawned INTEGER NOT NULL,
			despawned INTEGER NOT NULL,
			stale INTEGER NOT NULL,
			desyncs INTEGER NOT NULL,
			PRIMARY KEY (session, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS desyncs (
			session TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			cause TEXT NOT NULL,
			message TEXT,
			PRIMARY KEY (session, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_desyncs_cause ON desyncs(cause, session);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordPacket(r PacketRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPacket, packet: r}:
	default:
		s.dropPacket.Add(1)
	}
}

func (s *SQLiteIndex) RecordDesync(r DesyncRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqDesync, desync: r}:
	default:
		s.dropDesync.Add(1)
	}
}

func (s *SQLiteIndex) RecordSession(r SessionRow) {
	if s == nil || s.closed.Load() {
		return
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	select {
	case s.ch <- req{kind: reqSession, session: r}:
	default:
		s.dropSession.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropPacketTotal:  s.dropPacket.Load(),
		DropDesyncTotal:  s.dropDesync.Load(),
		DropSessionTotal: s.dropSession.Load(),
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
	}
}

// PacketCount returns how many packets of the session are indexed.
func (s *SQLiteIndex) PacketCount(ctx context.Context, session string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM packets WHERE session = ?`, session).Scan(&n)
	return n, err
}

// Desyncs returns the desync events of a session in tick order.
func (s *SQLiteIndex) Desyncs(ctx context.Context, session string) ([]DesyncRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick, cause, COALESCE(message, '') FROM desyncs WHERE session = ? ORDER BY tick, seq`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DesyncRow
	for rows.Next() {
		r := DesyncRow{Session: session}
		var tick int64
		if err := rows.Scan(&tick, &r.Cause, &r.Message); err != nil {
			return nil, err
		}
		r.Tick = uint32(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertPacket, _ := s.db.Prepare(`INSERT OR REPLACE INTO packets(session,tick,bits,relevant,updated,spawned,despawned,stale,desyncs) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertDesync, _ := s.db.Prepare(`INSERT OR REPLACE INTO desyncs(session,tick,seq,cause,message) VALUES(?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session,client_name,size_headers,history_depth,started_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertPacket, insertDesync, insertSession} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		desyncKey struct {
			session string
			tick    uint32
		}
		desyncSeq int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPacket:
			p := r.packet
			exec(insertPacket, p.Session, int64(p.Tick), p.Bits, p.Relevant, p.Updated, p.Spawned, p.Despawned, boolInt(p.Stale), p.Desyncs)

		case reqDesync:
			d := r.desync
			if desyncKey.session != d.Session || desyncKey.tick != d.Tick {
				desyncKey.session, desyncKey.tick = d.Session, d.Tick
				desyncSeq = 0
			}
			seq := desyncSeq
			desyncSeq++
			exec(insertDesync, d.Session, int64(d.Tick), seq, d.Cause, d.Message)

		case reqSession:
			se := r.session
			exec(insertSession, se.Session, se.ClientName, boolInt(se.SizeHeaders), se.HistoryDepth, se.StartedAt.UTC().Format(time.RFC3339Nano))
		}
		flushIfNeeded()
	}

	commit()
}
