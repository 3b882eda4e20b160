// Package api serves verdict lookups and administration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"anti_vpn/pkg/data"
	"anti_vpn/pkg/engine"
	"anti_vpn/pkg/platform"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 1 << 16
)

// IPService is the IP side of the resolution engine.
type IPService interface {
	Resolve(ctx context.Context, ip string, algorithm data.Algorithm, useCache bool) (*data.IPVerdict, error)
	CurrentAlgorithm() data.Algorithm
	MinConsensus() float64
	SaveIP(ctx context.Context, v *data.IPVerdict) error
	DeleteIP(ctx context.Context, ip string) error
	GetIPs(ctx context.Context) ([]string, error)
}

// PlayerService is the player side of the resolution engine.
type PlayerService interface {
	Resolve(ctx context.Context, id uuid.UUID, useCache bool) (*data.PlayerVerdict, error)
	SavePlayer(ctx context.Context, v *data.PlayerVerdict) error
	DeletePlayer(ctx context.Context, id uuid.UUID) error
	GetPlayers(ctx context.Context) ([]uuid.UUID, error)
}

// Server exposes the engine over a JSON HTTP API.
type Server struct {
	ips      IPService
	players  PlayerService
	platform *platform.Platform
	serverID uuid.UUID
	origins  []string
	logger   *zap.Logger
}

// NewServer creates a server. CORS is enabled when origins is not empty.
func NewServer(ips IPService, players PlayerService, p *platform.Platform, serverID uuid.UUID, origins []string, logger *zap.Logger) *Server {
	return &Server{
		ips:      ips,
		players:  players,
		platform: p,
		serverID: serverID,
		origins:  origins,
		logger:   logger.Named("api"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if len(s.origins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Get("/ips", s.listIPs)
		r.Get("/ips/{ip}", s.getIP)
		r.Put("/ips/{ip}", s.putIP)
		r.Delete("/ips/{ip}", s.deleteIP)

		r.Get("/players", s.listPlayers)
		r.Get("/players/{id}", s.getPlayer)
		r.Put("/players/{id}", s.putPlayer)
		r.Delete("/players/{id}", s.deletePlayer)
	})
	return r
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("listen", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// IPResponse is the verdict for an IP address.
type IPResponse struct {
	IP        string    `json:"ip"`
	Algorithm string    `json:"algorithm"`
	Cascade   *bool     `json:"cascade,omitempty"`
	Consensus *float64  `json:"consensus,omitempty"`
	VPN       bool      `json:"vpn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IPRequest is the body of an IP upsert.
type IPRequest struct {
	Algorithm string   `json:"algorithm"`
	Cascade   *bool    `json:"cascade,omitempty"`
	Consensus *float64 `json:"consensus,omitempty"`
}

// PlayerResponse is the verdict for a player.
type PlayerResponse struct {
	Player    uuid.UUID `json:"player"`
	Flagged   bool      `json:"flagged"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlayerRequest is the body of a player upsert.
type PlayerRequest struct {
	Flagged bool `json:"flagged"`
}

// StatusResponse describes the node.
type StatusResponse struct {
	ServerID  uuid.UUID      `json:"server_id"`
	Algorithm string         `json:"algorithm"`
	Stats     platform.Stats `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getIP(w http.ResponseWriter, r *http.Request) {
	algorithm := s.ips.CurrentAlgorithm()
	if q := r.URL.Query().Get("algorithm"); q != "" {
		a, err := data.ParseAlgorithm(q)
		if err != nil {
			s.writeError(w, err)
			return
		}
		algorithm = a
	}
	useCache, err := useCacheParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	v, err := s.ips.Resolve(r.Context(), chi.URLParam(r, "ip"), algorithm, useCache)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.platform.AddUniqueIP(v.IP)

	writeJSON(w, http.StatusOK, IPResponse{
		IP:        v.IP,
		Algorithm: v.Algorithm.String(),
		Cascade:   v.Cascade,
		Consensus: v.Consensus,
		VPN:       v.Flagged(s.ips.MinConsensus()),
		UpdatedAt: v.UpdatedAt,
	})
}

func (s *Server) putIP(w http.ResponseWriter, r *http.Request) {
	var req IPRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	algorithm, err := data.ParseAlgorithm(req.Algorithm)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	v := &data.IPVerdict{
		IP:        chi.URLParam(r, "ip"),
		Algorithm: algorithm,
		Cascade:   req.Cascade,
		Consensus: req.Consensus,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ips.SaveIP(r.Context(), v); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteIP(w http.ResponseWriter, r *http.Request) {
	if err := s.ips.DeleteIP(r.Context(), chi.URLParam(r, "ip")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := s.ips.GetIPs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

func (s *Server) getPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := playerParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	useCache, err := useCacheParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	v, err := s.players.Resolve(r.Context(), id, useCache)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.platform.AddUniquePlayer(id)

	writeJSON(w, http.StatusOK, PlayerResponse{Player: v.Player, Flagged: v.Flagged, UpdatedAt: v.UpdatedAt})
}

func (s *Server) putPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := playerParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req PlayerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.players.SavePlayer(r.Context(), data.NewPlayerVerdict(id, req.Flagged)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePlayer(w http.ResponseWriter, r *http.Request) {
	id, err := playerParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.players.DeletePlayer(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPlayers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.players.GetPlayers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ServerID:  s.serverID,
		Algorithm: s.ips.CurrentAlgorithm().String(),
		Stats:     s.platform.Stats(),
	})
}

var errBadRequest = errors.New("bad request")

func useCacheParam(r *http.Request) (bool, error) {
	q := r.URL.Query().Get("cache")
	if q == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(q)
	if err != nil {
		return false, errBadRequest
	}
	return b, nil
}

func playerParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, data.ErrInvalidVerdict
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadRequest
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, data.ErrInvalidIP),
		errors.Is(err, data.ErrInvalidAlgorithm),
		errors.Is(err, data.ErrInvalidVerdict):
		return http.StatusBadRequest
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoSourcesAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
