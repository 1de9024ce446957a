package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"walletsync/pkg/chain"
	"walletsync/pkg/core"
	"walletsync/pkg/models"
	"walletsync/pkg/price"
	"walletsync/pkg/store"
	"walletsync/pkg/watcher"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type AddWalletRequest struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Name    string `json:"name,omitempty"`
}

type RenameWalletRequest struct {
	Name string `json:"name"`
}

// WalletView is a record plus its latest sync outcome.
type WalletView struct {
	models.WalletRecord
	Sync    models.SyncStatus `json:"sync"`
	Warning string            `json:"warning,omitempty"`
}

type StatusResponse struct {
	Wallets           int                          `json:"wallets"`
	MaxWallets        int                          `json:"max_wallets"`
	SupportedNetworks []models.Network             `json:"supported_networks"`
	Scheduler         *SchedulerStatus             `json:"scheduler,omitempty"`
	Sync              map[string]models.SyncStatus `json:"sync"`
}

type SchedulerStatus struct {
	State      watcher.State         `json:"state"`
	Stats      watcher.Stats         `json:"stats"`
	LastReport *models.RefreshReport `json:"last_report,omitempty"`
}

func errorJSON(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var rpcErr *chain.RPCError
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnsupportedNetwork), errors.Is(err, chain.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAlreadyTracked):
		return http.StatusConflict
	case errors.Is(err, core.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, chain.ErrNetworkUnavailable), errors.Is(err, price.ErrOracleUnavailable), errors.As(err, &rpcErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err to the client. Internal errors are logged, not echoed.
func (s *Server) fail(w http.ResponseWriter, err error, what string) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error(what, zap.Error(err))
		errorJSON(w, code, http.StatusText(code))
		return
	}
	errorJSON(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		errorJSON(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) view(rec models.WalletRecord) WalletView {
	st, _ := s.svc.Status(rec.ID)
	return WalletView{WalletRecord: rec, Sync: st}
}

func (s *Server) snapshot() map[string]interface{} {
	wallets := s.svc.ListWallets()
	views := make([]WalletView, 0, len(wallets))
	for _, rec := range wallets {
		views = append(views, s.view(rec))
	}
	return map[string]interface{}{
		"wallets": views,
		"status":  s.status(),
	}
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Wallets:           len(s.svc.ListWallets()),
		MaxWallets:        s.svc.MaxWallets(),
		SupportedNetworks: s.svc.SupportedNetworks(),
		Sync:              s.svc.Statuses(),
	}
	if s.scheduler != nil {
		sched := &SchedulerStatus{State: s.scheduler.State(), Stats: s.scheduler.Stats()}
		if report, ok := s.scheduler.LastReport(); ok {
			sched.LastReport = &report
		}
		resp.Scheduler = sched
	}
	return resp
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets := s.svc.ListWallets()
	views := make([]WalletView, 0, len(wallets))
	for _, rec := range wallets {
		views = append(views, s.view(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddWallet(w http.ResponseWriter, r *http.Request) {
	var req AddWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" || strings.TrimSpace(req.Network) == "" {
		errorJSON(w, http.StatusBadRequest, "address and network are required")
		return
	}

	rec, err := s.svc.AddWallet(r.Context(), req.Address, models.Network(req.Network))
	if err != nil && rec.ID == "" {
		s.fail(w, err, "failed to add wallet")
		return
	}
	view := s.view(rec)
	if err != nil {
		view.Warning = err.Error()
	}

	if req.Name != "" {
		if rerr := s.svc.RenameWallet(r.Context(), rec.ID, req.Name); rerr != nil {
			s.fail(w, rerr, "failed to name wallet")
			return
		}
		view.DisplayName = strings.TrimSpace(req.Name)
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetWallet(mux.Vars(r)["ref"])
	if err != nil {
		s.fail(w, err, "failed to get wallet")
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *Server) handleRenameWallet(w http.ResponseWriter, r *http.Request) {
	var req RenameWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ref := mux.Vars(r)["ref"]
	if err := s.svc.RenameWallet(r.Context(), ref, req.Name); err != nil {
		s.fail(w, err, "failed to rename wallet")
		return
	}
	rec, err := s.svc.GetWallet(ref)
	if err != nil {
		s.fail(w, err, "failed to get wallet")
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	removed, err := s.svc.RemoveWallet(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		s.fail(w, err, "failed to remove wallet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleRefreshWallet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.RefreshOne(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		s.fail(w, err, "failed to refresh wallet")
		return
	}
	writeJSON(w, http.StatusOK, s.view(rec))
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.RefreshAll(r.Context()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}
