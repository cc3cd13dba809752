package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ghostsync.ai/internal/protocol"
	"ghostsync.ai/internal/sim/arena"
)

const outQueue = 16

type Server struct {
	host *arena.Host
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *arena.Host, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		host: h,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case f, ok := <-out:
					if !ok {
						return
					}
					kind := websocket.TextMessage
					if f.Binary {
						kind = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(kind, f.Data); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			if kind != websocket.TextMessage {
				continue
			}
			env, ok := decodeControl(msg)
			if !ok {
				continue
			}
			env.Session = sessionID
			select {
			case s.host.Inbox() <- env:
			case <-ctx.Done():
			}
		}

		// Cleanup.
		s.host.Leave() <- sessionID
	}
}

// decodeControl parses an ACK or INPUT message. Anything else, or a message
// of the wrong version, is ignored.
func decodeControl(msg []byte) (arena.Envelope, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.ProtocolVersion != protocol.Version {
		return arena.Envelope{}, false
	}
	switch base.Type {
	case protocol.TypeAck:
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			return arena.Envelope{}, false
		}
		return arena.Envelope{Ack: &ack}, true
	case protocol.TypeInput:
		var in protocol.InputMsg
		if err := json.Unmarshal(msg, &in); err != nil {
			return arena.Envelope{}, false
		}
		return arena.Envelope{Input: &in}, true
	}
	return arena.Envelope{}, false
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan arena.Frame) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "malformed HELLO")
		return "", nil
	}
	offered := append([]string{hello.ProtocolVersion}, hello.SupportedVersions...)
	if protocol.SelectVersion(offered) == "" {
		s.refuse(conn, protocol.ErrProtoVersion, "unsupported protocol_version")
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	out = make(chan arena.Frame, outQueue)
	respCh := make(chan arena.JoinResponse, 1)
	s.host.Join() <- arena.JoinRequest{Hello: hello, Out: out, Resp: respCh}
	resp := <-respCh
	if resp.Error != nil {
		s.log.Printf("refused %s: %s %s", hello.ClientName, resp.Error.Code, resp.Error.Message)
		_ = writeJSON(conn, resp.Error)
		closeWith(conn, websocket.ClosePolicyViolation, resp.Error.Code)
		return "", nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.host.Leave() <- resp.Welcome.SessionID
		return "", nil
	}
	return resp.Welcome.SessionID, out
}

func (s *Server) refuse(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
	closeWith(conn, websocket.ClosePolicyViolation, message)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
