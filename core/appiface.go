package core

// appiface.go exposes the app-interface boundary over a websocket, gated by
// an app auth token and the capability system, with a router-plus-JSON-
// envelope shape built on chi and gorilla/websocket for the upgrade and
// framed request/response cycle a zome call needs.

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FrameType tags a websocket RPC frame as a server-initiated signal, a
// client-initiated request, or a response to one.
type FrameType string

const (
	FrameSignal   FrameType = "signal"
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
)

// Frame is the websocket RPC envelope every message on the app-interface
// connection is wrapped in: a type tag, a per-connection-unique id for
// requests/responses, and the opaque payload.
type Frame struct {
	Type FrameType       `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encodeFrame renders a frame as a 4-byte big-endian length header followed
// by the JSON-encoded envelope, the binary message format both directions
// of the connection use.
func encodeFrame(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, Wrap(KindFatal, "marshal rpc frame", err)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// decodeFrame parses a length-prefixed binary message back into a Frame,
// rejecting a header that disagrees with the actual payload length.
func decodeFrame(msg []byte) (Frame, error) {
	if len(msg) < 4 {
		return Frame{}, Wrap(KindValidation, "rpc frame shorter than its length header", ErrInvalidToken)
	}
	n := binary.BigEndian.Uint32(msg[:4])
	if int(n) != len(msg)-4 {
		return Frame{}, Wrap(KindValidation, "rpc frame length header mismatch", ErrInvalidToken)
	}
	var f Frame
	if err := json.Unmarshal(msg[4:], &f); err != nil {
		return Frame{}, Wrap(KindValidation, "decode rpc frame", err)
	}
	return f, nil
}

// ZomeCallRequest is a request Frame's Data payload for invoking a zome
// function.
type ZomeCallRequest struct {
	CellID     string          `json:"cell_id"`
	Zome       string          `json:"zome"`
	Function   string          `json:"function"`
	Payload    json.RawMessage `json:"payload"`
	CapSecret  []byte          `json:"cap_secret,omitempty"`
	Provenance AgentPubKey     `json:"provenance"`
}

// ZomeCallResponse is a response Frame's Data payload, wrapping either a
// result or an error for the client.
type ZomeCallResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ZomeCallHandler dispatches a validated request to the owning cell;
// conductor.go supplies the concrete implementation.
type ZomeCallHandler func(ctx context.Context, req ZomeCallRequest) (json.RawMessage, error)

// AppInterfaceServer upgrades HTTP connections to websockets and dispatches
// each frame as a zome call, after redeeming an app auth token on connect.
// It also fans server-initiated signal frames out to every live connection.
type AppInterfaceServer struct {
	tokens   *TokenStore
	appID    string
	dispatch ZomeCallHandler
	log      *logrus.Entry
	upgrade  websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewAppInterfaceServer(tokens *TokenStore, appID string, dispatch ZomeCallHandler, log *logrus.Entry) *AppInterfaceServer {
	return &AppInterfaceServer{
		tokens:   tokens,
		appID:    appID,
		dispatch: dispatch,
		log:      log,
		upgrade:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    make(map[*websocket.Conn]bool),
	}
}

// Router builds the chi mux this server answers on: a single upgrade route
// authenticated by a token query parameter, with one thin handler per
// route.
func (s *AppInterfaceServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/app-interface", s.handleUpgrade)
	return r
}

// EmitSignal pushes sig to every connected client as a FrameSignal, the
// sink a SignalReceiver is wired to. Write failures drop the connection.
func (s *AppInterfaceServer) EmitSignal(sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	msg, err := encodeFrame(Frame{Type: FrameSignal, Data: data})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			conn.Close()
			delete(s.conns, conn)
		}
	}
}

func (s *AppInterfaceServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := s.tokens.Redeem(token, s.appID, time.Now().UnixMilli()); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := decodeFrame(msg)
		if err != nil {
			continue
		}
		if frame.Type != FrameRequest {
			continue
		}

		var req ZomeCallRequest
		var resp ZomeCallResponse
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			resp.Error = Wrap(KindValidation, "decode zome call request", err).Error()
		} else if result, callErr := s.dispatch(r.Context(), req); callErr != nil {
			resp.Error = callErr.Error()
		} else {
			resp.Result = result
		}

		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		out, err := encodeFrame(Frame{Type: FrameResponse, ID: frame.ID, Data: data})
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
	}
}
