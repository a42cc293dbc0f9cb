package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/dealbreaker/client/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultProbeDeadline    = 5 * time.Second
	defaultMaxBodySize      = 1 << 16
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// RoomService is the engine surface exposed to the rendering layer.
type RoomService interface {
	Snapshot() model.Snapshot
	Join(ctx context.Context, identity model.RoomIdentity) error
	Leave(ctx context.Context) error
	SubmitPrompts(ctx context.Context, prompts ...string) error
	DeletePrompt(ctx context.Context, promptID string) error
	Ready(ctx context.Context) error
	DrawPrompt(ctx context.Context) error
	NextTurn(ctx context.Context) error
	ProbeRoom(ctx context.Context, roomID string) (bool, error)
	NewRoomID() string
}

// JoinRequest names the room either by its fields or by a room address
// (/session/<id>?username=..&intent=..). Address wins when set.
type JoinRequest struct {
	Address  string `json:"address"`
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	Intent   string `json:"intent"`
}

func (jr JoinRequest) identity() (model.RoomIdentity, error) {
	if jr.Address != "" {
		return model.ParseAddress(jr.Address)
	}
	intent := model.IntentJoin
	if jr.Intent != "" {
		intent = model.Intent(jr.Intent)
	}
	return model.RoomIdentity{
		RoomID:   jr.RoomID,
		Username: jr.Username,
		Intent:   intent,
	}, nil
}

type PromptsRequest struct {
	Prompts []string `json:"prompts"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger       zerolog.Logger
	svc          RoomService
	probeTimeout time.Duration
	*http.Server
}

type Config struct {
	Logger       *zerolog.Logger
	RoomService  RoomService
	ListenAddr   string
	ProbeTimeout time.Duration
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:          cfg.RoomService,
		probeTimeout: cfg.ProbeTimeout,
	}
	if srv.probeTimeout <= 0 {
		srv.probeTimeout = defaultProbeDeadline
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/snapshot", srv.snapshot)
	r.HandleFunc("POST /api/room", srv.joinRoom)
	r.HandleFunc("DELETE /api/room", srv.leaveRoom)
	r.HandleFunc("POST /api/rooms", srv.newRoomID)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.probeRoom)
	r.HandleFunc("POST /api/prompts", srv.submitPrompts)
	r.HandleFunc("DELETE /api/prompts/{promptID}", srv.deletePrompt)
	r.HandleFunc("POST /api/ready", srv.action(cfg.RoomService.Ready))
	r.HandleFunc("POST /api/draw", srv.action(cfg.RoomService.DrawPrompt))
	r.HandleFunc("POST /api/turn", srv.action(cfg.RoomService.NextTurn))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	srv.respond(w, http.StatusOK, &GenericResponse{Data: srv.svc.Snapshot()})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var joinReq JoinRequest
	if !srv.decode(w, r, &joinReq) {
		return
	}
	srv.logger.Trace().Any("request", joinReq).Msg("got join request")

	identity, err := joinReq.identity()
	if err == nil {
		err = srv.svc.Join(r.Context(), identity)
	}
	if err != nil {
		srv.respond(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK", Data: srv.svc.Snapshot()})
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	if err := srv.svc.Leave(r.Context()); err != nil {
		srv.respond(w, http.StatusInternalServerError, &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) newRoomID(w http.ResponseWriter, _ *http.Request) {
	srv.respond(w, http.StatusOK, &GenericResponse{Data: map[string]string{"room_id": srv.svc.NewRoomID()}})
}

func (srv *Server) probeRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	ctx, cancel := context.WithTimeout(r.Context(), srv.probeTimeout)
	defer cancel()

	exists, err := srv.svc.ProbeRoom(ctx, roomID)
	if err != nil {
		srv.logger.Debug().Err(err).Str("roomID", roomID).Msg("room probe failed")
	}
	code := http.StatusOK
	if !exists {
		code = http.StatusNotFound
	}
	srv.respond(w, code, &GenericResponse{Data: map[string]bool{"exists": exists}})
}

func (srv *Server) submitPrompts(w http.ResponseWriter, r *http.Request) {
	var req PromptsRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.result(w, srv.svc.SubmitPrompts(r.Context(), req.Prompts...))
}

func (srv *Server) deletePrompt(w http.ResponseWriter, r *http.Request) {
	srv.result(w, srv.svc.DeletePrompt(r.Context(), r.PathValue("promptID")))
}

func (srv *Server) action(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		srv.result(w, fn(r.Context()))
	}
}

func (srv *Server) result(w http.ResponseWriter, err error) {
	if err != nil {
		srv.respond(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		srv.respond(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (srv *Server) respond(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeBytes(w, code, b, &srv.logger)
}

func writeBytes(w http.ResponseWriter, code int, b []byte, logger *zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
