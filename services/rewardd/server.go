package rewardd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incentives/native/incentives"
	"incentives/native/orchestrator"
	"incentives/native/referral"
	"incentives/native/rewards"
	"incentives/native/zone"
	"incentives/services/rewardd/middleware"
	"incentives/storage/journal"
)

var errBadRequest = errors.New("bad request")

// Server exposes the incentive engine over HTTP.
type Server struct {
	module  *incentives.Module
	admin   *incentives.Admin
	journal *journal.Journal
	logger  *slog.Logger
}

// NewServer binds the handlers. The journal is optional.
func NewServer(module *incentives.Module, admin *incentives.Admin, j *journal.Journal, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{module: module, admin: admin, journal: j, logger: logger}
}

// RouterConfig carries the middleware applied by Routes.
type RouterConfig struct {
	Authenticator *middleware.Authenticator
	// WriteAuthenticator, when set, requires a bearer token carrying the
	// writer or admin role on the write routes.
	WriteAuthenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
}

// Routes builds the HTTP handler.
func (s *Server) Routes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	obs := cfg.Observability

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(wr chi.Router) {
			if cfg.RateLimiter != nil {
				wr.Use(cfg.RateLimiter.Middleware("writes"))
			}
			if cfg.WriteAuthenticator != nil {
				wr.Use(cfg.WriteAuthenticator.Middleware, middleware.RequireRole(RoleWriter, RoleAdmin))
			}
			if obs != nil {
				wr.Use(obs.Middleware("writes"))
			}
			wr.Post("/referrals", s.handleLink)
			wr.Post("/volumes", s.handleVolume)
			wr.Post("/contributions", s.handleContribution)
		})
		v1.Group(func(rd chi.Router) {
			if obs != nil {
				rd.Use(obs.Middleware("reads"))
			}
			rd.Get("/participants/{addr}", s.handleParticipant)
			rd.Get("/participants/{addr}/zones/{zone}", s.handleParticipantZone)
			rd.Get("/participants/{addr}/rewards", s.handleParticipantRewards)
			rd.Get("/contributions/{id}", s.handleLookup)
			rd.Get("/tables", s.handleTables)
		})
		v1.Route("/admin", func(ad chi.Router) {
			if cfg.Authenticator != nil {
				ad.Use(cfg.Authenticator.Middleware)
			}
			if obs != nil {
				ad.Use(obs.Middleware("admin"))
			}
			ad.Put("/tables/level/{index}", s.handleSetLevelWeight)
			ad.Put("/tables/tier/{tier}/{component}", s.handleSetTierComponent)
			ad.Put("/tables/rank/{index}", s.handleSetRankWeight)
			ad.Put("/participants/{addr}/level", s.handleSetParticipantLevel)
			ad.Post("/contributions/{id}/resolve", s.handleResolve)
			ad.Get("/status", s.handleStatus)
		})
	})
	return r
}

type linkRequest struct {
	Referrer string `json:"referrer"`
	Referee  string `json:"referee"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	referrer, err := parseAddress(req.Referrer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	referee, err := parseAddress(req.Referee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.module.LinkReferral(referrer, referee); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.participantView(referee))
}

type volumeRequest struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	Zone        string `json:"zone"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	participant, err := parseAddress(req.Participant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	z := zone.Zone(strings.TrimSpace(req.Zone))
	if err := s.module.RecordVolume(participant, amount, z); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.zoneView(participant, z))
}

type contributionRequest struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	Zone        string `json:"zone"`
	Nonce       uint64 `json:"nonce"`
}

func (s *Server) handleContribution(w http.ResponseWriter, r *http.Request) {
	var req contributionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	participant, err := parseAddress(req.Participant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.module.ProcessContribution(r.Context(), orchestrator.Contribution{
		Participant: participant,
		Amount:      amount,
		Zone:        zone.Zone(strings.TrimSpace(req.Zone)),
		Nonce:       req.Nonce,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	participant, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := s.module.Participant(participant); !ok {
		http.Error(w, "participant not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.participantView(participant))
}

func (s *Server) handleParticipantZone(w http.ResponseWriter, r *http.Request) {
	participant, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.zoneView(participant, zone.Zone(chi.URLParam(r, "zone"))))
}

func (s *Server) handleParticipantRewards(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "reward journal disabled", http.StatusServiceUnavailable)
		return
	}
	participant, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, fmt.Errorf("%w: limit", errBadRequest))
			return
		}
	}
	entries, err := s.journal.ListByParticipant(r.Context(), participant, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.module.Lookup(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newTablesView(s.module.Tables()))
}

type bpsRequest struct {
	Bps uint32 `json:"bps"`
}

func (s *Server) handleSetLevelWeight(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint(chi.URLParam(r, "index"), 32)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bpsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admin.SetLevelWeight(r.Context(), uint32(index), req.Bps); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTablesView(s.module.Tables()))
}

func (s *Server) handleSetTierComponent(w http.ResponseWriter, r *http.Request) {
	tier, err := parseUint(chi.URLParam(r, "tier"), 8)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bpsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admin.SetTierComponent(r.Context(), uint8(tier), chi.URLParam(r, "component"), req.Bps); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTablesView(s.module.Tables()))
}

func (s *Server) handleSetRankWeight(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint(chi.URLParam(r, "index"), 8)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req bpsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admin.SetRankWeight(r.Context(), uint8(index), req.Bps); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTablesView(s.module.Tables()))
}

type levelRequest struct {
	Level uint32 `json:"level"`
}

func (s *Server) handleSetParticipantLevel(w http.ResponseWriter, r *http.Request) {
	participant, err := parseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req levelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.admin.SetParticipantLevel(r.Context(), participant, req.Level); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.participantView(participant))
}

type resolveRequest struct {
	Credited bool `json:"credited"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.admin.ResolveContribution(r.Context(), id, req.Credited)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

type statusView struct {
	Registry      orchestrator.Status `json:"registry"`
	TablesVersion uint64              `json:"tables_version"`
	Subject       string              `json:"subject,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.admin.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusView{
		Registry:      status,
		TablesVersion: s.module.Tables().Version,
		Subject:       middleware.SubjectFromContext(r.Context()),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, referral.ErrInvalidParticipant),
		errors.Is(err, referral.ErrInvalidLevel),
		errors.Is(err, zone.ErrInvalidParticipant),
		errors.Is(err, zone.ErrInvalidAmount),
		errors.Is(err, zone.ErrInvalidZone),
		errors.Is(err, rewards.ErrBpsTooHigh),
		errors.Is(err, rewards.ErrInvalidIndex),
		errors.Is(err, rewards.ErrInvalidComponent):
		status = http.StatusBadRequest
	case errors.Is(err, referral.ErrAlreadyLinked),
		errors.Is(err, referral.ErrCycle),
		errors.Is(err, referral.ErrHasDownline),
		errors.Is(err, zone.ErrVolumeOverflow),
		errors.Is(err, orchestrator.ErrContributionInFlight),
		errors.Is(err, orchestrator.ErrCreditUnresolved),
		errors.Is(err, orchestrator.ErrNotUnresolved):
		status = http.StatusConflict
	case errors.Is(err, referral.ErrUnknownParticipant),
		errors.Is(err, orchestrator.ErrContributionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, incentives.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, orchestrator.ErrExternalService):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Any("error", err))
	}
	http.Error(w, err.Error(), status)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", errBadRequest, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(trimmed) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid contribution id %q", errBadRequest, raw)
	}
	return common.HexToHash(trimmed), nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, raw)
	}
	return value, nil
}

func parseUint(raw string, bits int) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return value, nil
}
