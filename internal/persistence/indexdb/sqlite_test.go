package indexdb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqPacket, packet: PacketRow{Tick: 1}}

	s.RecordPacket(PacketRow{Tick: 2})
	s.RecordDesync(DesyncRow{Tick: 2})
	s.RecordSession(SessionRow{Session: "S1"})

	st := s.Stats()
	if st.DropPacketTotal != 1 {
		t.Fatalf("DropPacketTotal=%d want=1", st.DropPacketTotal)
	}
	if st.DropDesyncTotal != 1 {
		t.Fatalf("DropDesyncTotal=%d want=1", st.DropDesyncTotal)
	}
	if st.DropSessionTotal != 1 {
		t.Fatalf("DropSessionTotal=%d want=1", st.DropSessionTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_RecordsPacketsAndDesyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	idx.RecordSession(SessionRow{Session: "S1", ClientName: "c1", SizeHeaders: true, HistoryDepth: 32})
	for tick := uint32(10); tick < 15; tick++ {
		idx.RecordPacket(PacketRow{Session: "S1", Tick: tick, Bits: 128, Updated: 2})
	}
	idx.RecordDesync(DesyncRow{Session: "S1", Tick: 12, Cause: "size", Message: "ghost 3: 40 bits, header said 48"})
	idx.RecordDesync(DesyncRow{Session: "S1", Tick: 12, Cause: "baseline"})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// recording after close is a no-op
	idx.RecordPacket(PacketRow{Session: "S1", Tick: 99})

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	ctx := context.Background()
	n, err := idx.PacketCount(ctx, "S1")
	if err != nil || n != 5 {
		t.Fatalf("packets got %d err %v want 5", n, err)
	}
	ds, err := idx.Desyncs(ctx, "S1")
	if err != nil {
		t.Fatalf("desyncs: %v", err)
	}
	if len(ds) != 2 || ds[0].Cause != "size" || ds[1].Cause != "baseline" || ds[1].Message != "" {
		t.Fatalf("desyncs got %+v", ds)
	}
}
