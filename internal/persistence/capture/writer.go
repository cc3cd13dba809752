// Package capture records snapshot packets as hourly zstd-compressed JSONL
// files so a session can be decoded again offline.
package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Direction of a captured packet relative to the recording process.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Record is one captured packet. Packet is base64 in the JSON form.
type Record struct {
	Dir       string `json:"dir"`
	Session   string `json:"session,omitempty"`
	Tick      uint32 `json:"tick"`
	UnixMilli int64  `json:"unix_ms"`
	Bits      int    `json:"bits,omitempty"`
	Packet    []byte `json:"packet"`
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush pushes buffered lines through the compressor to the file.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// PacketLogger writes captured packets under dir/packets.
type PacketLogger struct {
	w       *JSONLZstdWriter
	session string
}

func NewPacketLogger(dir, session string) *PacketLogger {
	return &PacketLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "packets"), "packets"), session: session}
}

// WritePacket marshals packet before returning; callers may reuse it.
func (l *PacketLogger) WritePacket(dir string, tick uint32, bits int, packet []byte) error {
	return l.WriteSessionPacket(l.session, dir, tick, bits, packet)
}

// WriteSessionPacket is WritePacket for a logger shared by many sessions.
func (l *PacketLogger) WriteSessionPacket(session, dir string, tick uint32, bits int, packet []byte) error {
	return l.w.Write(Record{
		Dir:       dir,
		Session:   session,
		Tick:      tick,
		UnixMilli: l.w.now().UnixMilli(),
		Bits:      bits,
		Packet:    packet,
	})
}

func (l *PacketLogger) Flush() error { return l.w.Flush() }
func (l *PacketLogger) Close() error { return l.w.Close() }
