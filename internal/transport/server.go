package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"github.com/witnz/replisync/internal/consensus"
)

const SyncPath = "/sync"

// Server exposes a Handler over WebSocket. Requests on one connection are
// served concurrently; responses are written back as they complete.
type Server struct {
	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Mux returns a ServeMux with the server mounted at SyncPath.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(SyncPath, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxFrameSize)

	var writeMu sync.Mutex
	var wg conc.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Peer connection closed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		req, err := DecodeFrame(frame)
		if err != nil {
			s.logger.Warn("Dropping malformed frame", "remote", r.RemoteAddr, "error", err)
			continue
		}

		wg.Go(func() {
			resp := s.dispatch(ctx, req)
			out, err := EncodeFrame(resp)
			if err != nil {
				s.logger.Error("Failed to encode response", "type", req.Type, "error", err)
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				s.logger.Debug("Failed to write response", "type", req.Type, "error", err)
			}
		})
	}
}

func (s *Server) dispatch(ctx context.Context, req Envelope) Envelope {
	resp := Envelope{ID: req.ID, Type: req.Type}

	body, err := s.handle(ctx, req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to marshal response: %v", err)
			return resp
		}
		resp.Body = data
	}
	return resp
}

func (s *Server) handle(ctx context.Context, req Envelope) (any, error) {
	switch req.Type {
	case TypeRoot:
		return s.handler.HandleRoot(ctx)
	case TypeProof:
		return s.handler.HandleProof(ctx)
	case TypeOperations:
		var body operationsRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("invalid operations request: %w", err)
		}
		return s.handler.HandleOperations(ctx, body.Keys)
	case TypeAllOperations:
		return s.handler.HandleAllOperations(ctx)
	case TypePush:
		var body PushRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("invalid push request: %w", err)
		}
		return s.handler.HandlePush(ctx, req.From, body)
	case TypeClock:
		return s.handler.HandleClock(ctx)
	case TypeVote:
		var body consensus.VoteRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("invalid vote request: %w", err)
		}
		approve, err := s.handler.HandleVote(ctx, req.From, body)
		if err != nil {
			return nil, err
		}
		return voteResponse{Approve: approve}, nil
	case TypeViewChange:
		var body consensus.ViewChange
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, fmt.Errorf("invalid view change: %w", err)
		}
		return nil, s.handler.HandleViewChange(ctx, req.From, body)
	default:
		return nil, fmt.Errorf("unknown message type: %q", req.Type)
	}
}
