package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gopkg.in/op/go-logging.v1"

	"pqratchet/internal/domain"
)

// maxBody bounds request bodies; hybrid level 5 bundles are a few KiB.
const maxBody = 1 << 20

// Server serves a Hub over HTTP.
type Server struct {
	hub *Hub
	log *logging.Logger
	mux *http.ServeMux
}

type participantsBody struct {
	Participants []domain.UserID `json:"participants"`
}

// NewServer returns the HTTP front end of hub.
func NewServer(hub *Hub, log *logging.Logger) *Server {
	s := &Server{hub: hub, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /bundles", s.publishBundle)
	s.mux.HandleFunc("GET /bundles/{user}", s.fetchBundle)
	s.mux.HandleFunc("GET /capabilities/{user}", s.capabilities)
	s.mux.HandleFunc("PUT /conversations/{conv}", s.setParticipants)
	s.mux.HandleFunc("GET /conversations/{conv}", s.participants)
	s.mux.HandleFunc("POST /packages", s.deliver)
	s.mux.HandleFunc("GET /packages/{device}", s.fetch)
	return s
}

// ServeHTTP writes an access log line for every request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	r.Body = http.MaxBytesReader(rec, r.Body, maxBody)
	s.mux.ServeHTTP(rec, r)
	s.log.Debugf("%s %s from %s: %d, %d bytes in %s", r.Method, r.URL.Path, r.RemoteAddr, rec.status, rec.bytes, time.Since(start))
}

func (s *Server) publishBundle(w http.ResponseWriter, r *http.Request) {
	var b domain.PreKeyBundle
	if !decode(w, r, &b) {
		return
	}
	if err := s.hub.PublishBundle(r.Context(), b); err != nil {
		s.fail(w, err)
		return
	}
	s.log.Infof("bundle %s published for %s/%s", b.SignedPreKeyID, b.UserID, b.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fetchBundle(w http.ResponseWriter, r *http.Request) {
	b, err := s.hub.FetchBundle(r.Context(), domain.UserID(r.PathValue("user")))
	if err != nil {
		s.fail(w, err)
		return
	}
	reply(w, b)
}

func (s *Server) capabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.hub.Capabilities(r.Context(), domain.UserID(r.PathValue("user")))
	if err != nil {
		s.fail(w, err)
		return
	}
	reply(w, caps)
}

func (s *Server) setParticipants(w http.ResponseWriter, r *http.Request) {
	var body participantsBody
	if !decode(w, r, &body) {
		return
	}
	if len(body.Participants) == 0 {
		http.Error(w, "no participants", http.StatusBadRequest)
		return
	}
	s.hub.SetParticipants(domain.ConversationID(r.PathValue("conv")), body.Participants...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) participants(w http.ResponseWriter, r *http.Request) {
	users, err := s.hub.Participants(r.Context(), domain.ConversationID(r.PathValue("conv")))
	if err != nil {
		s.fail(w, err)
		return
	}
	reply(w, participantsBody{Participants: users})
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	var p domain.KeySyncPackage
	if !decode(w, r, &p) {
		return
	}
	if p.ID == "" || p.TargetDeviceID == "" {
		http.Error(w, "package without id or target", http.StatusBadRequest)
		return
	}
	if err := s.hub.Deliver(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.hub.Fetch(r.Context(), domain.DeviceID(r.PathValue("device")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if pkgs == nil {
		pkgs = []domain.KeySyncPackage{}
	}
	reply(w, pkgs)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrDeviceOffline):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrBadBundle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Errorf("relay: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}
