// Package transport is the minimal HTTP + WebSocket facade standing in
// for the gRPC adapters spec.md excludes from the kernel's scope
// (SPEC_FULL.md §5). It exists only to give internal/brokerapi a
// caller and to exercise gorilla/websocket, golang-jwt and zap end to
// end; it makes no attempt at wire compatibility with any real client.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vehiclebroker/databroker/internal/auth"
	"github.com/vehiclebroker/databroker/internal/brokerapi"
	"github.com/vehiclebroker/databroker/internal/brokererr"
	"github.com/vehiclebroker/databroker/internal/entrystore"
	"github.com/vehiclebroker/databroker/internal/permissions"
	"github.com/vehiclebroker/databroker/internal/subscriptions"
	"github.com/vehiclebroker/databroker/internal/types"
)

// Deps holds the transport's dependencies, following the teacher's
// router.Deps shape.
type Deps struct {
	API          *brokerapi.API
	Verifier     *auth.Verifier // nil when AuthDisabled
	AuthDisabled bool

	SubscriptionQueueCapacity int
	DefaultOverflow           subscriptions.OverflowPolicy

	Log *zap.Logger
}

// Server wraps the HTTP handler plus the readiness flag the CLI
// surface (spec.md §6) must flip once the listener is bound.
type Server struct {
	Handler http.Handler
	ready   atomic.Bool
}

// SetReady marks the server ready; GET /api/health reports it from
// here on.
func (s *Server) SetReady() { s.ready.Store(true) }

// New builds the application HTTP handler.
func New(d Deps) *Server {
	s := &Server{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.health)
	mux.HandleFunc("GET /api/datapoints", withAuth(d, getDatapoints(d)))
	mux.HandleFunc("POST /api/datapoints", withAuth(d, setDatapoints(d)))
	mux.HandleFunc("GET /api/metadata", withAuth(d, getMetadata(d)))
	mux.HandleFunc("POST /api/metadata", withAuth(d, registerDatapoints(d)))
	mux.HandleFunc("GET /ws/subscribe", withAuth(d, wsSubscribeQuery(d)))
	mux.HandleFunc("GET /ws/subscribe/paths", withAuth(d, wsSubscribePaths(d)))

	s.Handler = mux
	return s
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- response helpers (teacher's backend/router.go shape) ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeBrokerErr(w http.ResponseWriter, err error) {
	if be, ok := err.(*brokererr.Error); ok {
		writeError(w, be.Kind.HTTPStatus(), be.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ---- auth (spec.md §4.9/§6, no session/cookie state) ----

type contextKey int

const permsKey contextKey = iota

// withAuth decodes the bearer token into a permissions.Permissions
// value and threads it explicitly via the request context (spec.md
// §9 "no ambient/thread-local permission state" — the context is only
// the carrier between this middleware and the handler directly below
// it, never consulted by the kernel itself).
func withAuth(d Deps, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var perm permissions.Permissions
		if d.AuthDisabled {
			perm = permissions.AllowAll()
		} else {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			p, err := d.Verifier.Authorize(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			perm = p
		}
		ctx := context.WithValue(r.Context(), permsKey, perm)
		next(w, r.WithContext(ctx))
	}
}

// permFrom extracts the Permissions withAuth attached to the request.
func permFrom(r *http.Request) permissions.Permissions {
	p, _ := r.Context().Value(permsKey).(permissions.Permissions)
	return p
}

// ---- REST handlers ----

func getDatapoints(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paths := r.URL.Query()["path"]
		perm := permFrom(r)
		got := d.API.GetDatapoints(perm, paths)

		out := make(map[string]any, len(got))
		for path, dp := range got {
			if dp.Value.IsFailure() {
				out[path] = map[string]string{"failure": dp.Value.Reason()}
				continue
			}
			out[path] = map[string]any{"value": dp.Value.String(), "timestamp": dp.Timestamp}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// writeRequest is the wire shape of one entry in POST /api/datapoints's
// body: a declared data type plus the literal's string form, the same
// pair the subscription query grammar's CAST(... AS data_type) parses.
type writeRequest struct {
	DataType string `json:"data_type"`
	Value    string `json:"value"`
}

func decodeWrites(body map[string]writeRequest) ([]brokerapi.DatapointWrite, error) {
	writes := make([]brokerapi.DatapointWrite, 0, len(body))
	for path, w := range body {
		kind, ok := types.ParseKind(w.DataType)
		if !ok {
			return nil, brokererr.New(brokererr.WrongType, "unknown data type "+w.DataType+" for "+path, nil)
		}
		v, err := types.Parse(kind, w.Value)
		if err != nil {
			return nil, brokererr.New(brokererr.ParseError, "parsing value for "+path, err)
		}
		writes = append(writes, brokerapi.DatapointWrite{Path: path, Value: v})
	}
	return writes, nil
}

func setDatapoints(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]writeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}

		writes, err := decodeWrites(body)
		if err != nil {
			writeBrokerErr(w, err)
			return
		}

		errs := d.API.SetDatapoints(permFrom(r), writes)
		out := make(map[string]string, len(errs))
		for path, e := range errs {
			if e != nil {
				out[path] = e.Error()
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func getMetadata(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paths := r.URL.Query()["path"]
		metas := d.API.GetMetadata(permFrom(r), paths)
		writeJSON(w, http.StatusOK, metas)
	}
}

func registerDatapoints(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var metas []entrystore.Metadata
		if err := json.NewDecoder(r.Body).Decode(&metas); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		ids := d.API.RegisterDatapoints(permFrom(r), metas)
		writeJSON(w, http.StatusOK, ids)
	}
}

// ---- WebSocket handlers ----
//
// The corpus only ever dials out (backend/overseer/client.go,
// backend/converter/client.go, backend/thumbnailer/client.go); none of
// the examples accept a WebSocket connection. The read loop and close
// handshake below are the server-side mirror of that client code:
// Upgrade in place of DialContext, the same ReadMessage/WriteMessage
// pair, and the same CloseMessage/FormatCloseMessage(CloseNormalClosure)
// shutdown on context cancellation.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pumpMessages writes msgs to conn as JSON text frames until ctx is
// done, the channel closes, or a write fails, then performs the
// client library's own close handshake.
func pumpMessages(ctx context.Context, log *zap.Logger, conn *websocket.Conn, msgs <-chan *subscriptions.Message) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-msgs:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				if log != nil {
					log.Warn("transport: dropping unmarshalable subscription message", zap.Error(err))
				}
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}

func wsSubscribeQuery(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if query == "" {
			writeError(w, http.StatusBadRequest, "missing query parameter")
			return
		}

		_, msgs, cancel, err := d.API.Subscribe(permFrom(r), query, d.SubscriptionQueueCapacity, d.DefaultOverflow)
		if err != nil {
			writeBrokerErr(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			cancel()
			return
		}
		defer cancel()
		pumpMessages(r.Context(), d.Log, conn, msgs)
	}
}

// pathSubscribeRequest is one (glob, field-mask) pair of the JSON array
// a GET /ws/subscribe/paths caller sends as its first socket frame.
type pathSubscribeRequest struct {
	Path   string   `json:"path"`
	Fields []string `json:"fields"`
}

var fieldNames = map[string]entrystore.Field{
	"value":    entrystore.FieldCurrentValue,
	"target":   entrystore.FieldActuatorTarget,
	"metadata": entrystore.FieldMetadata,
}

func parseFieldSet(names []string) entrystore.FieldSet {
	if len(names) == 0 {
		return entrystore.AllFields
	}
	var set entrystore.FieldSet
	for _, n := range names {
		if f, ok := fieldNames[strings.ToLower(n)]; ok {
			set = set.With(f)
		}
	}
	return set
}

func wsSubscribePaths(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		perm := permFrom(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var reqs []pathSubscribeRequest
		if err := json.Unmarshal(raw, &reqs); err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid JSON"}`))
			conn.Close()
			return
		}

		specs := make([]brokerapi.PathSubscriptionSpec, len(reqs))
		for i, req := range reqs {
			specs[i] = brokerapi.PathSubscriptionSpec{Glob: req.Path, Fields: parseFieldSet(req.Fields)}
		}

		_, msgs, cancel, err := d.API.SubscribePaths(perm, specs, d.SubscriptionQueueCapacity, d.DefaultOverflow)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			conn.Close()
			return
		}
		defer cancel()
		pumpMessages(r.Context(), d.Log, conn, msgs)
	}
}
