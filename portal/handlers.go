package portal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"palpable"
	"palpable/claim"
	"palpable/internal/clocksync"
	"palpable/settings"
)

const (
	minPassphrase = 8
	maxPassphrase = 63
)

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type connectResponse struct {
	Success bool   `json:"success"`
	IP      string `json:"ip,omitempty"`
	Error   string `json:"error,omitempty"`
}

type claimRequest struct {
	Code     string `json:"code"`
	DeviceID string `json:"deviceId"`
}

type result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                     `json:"status"`
	State        palpable.ConnectivityState `json:"state"`
	WifiMode     palpable.WifiMode          `json:"wifiMode"`
	Version      string                     `json:"version,omitempty"`
	Clock        *clockHealth               `json:"clock,omitempty"`
	ConnectError string                     `json:"connectError,omitempty"`
}

type clockHealth struct {
	Phase    clocksync.Phase `json:"phase"`
	OffsetMS int64           `json:"offsetMs"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) deviceIDValue() string {
	if s.claim != nil {
		return s.claim.DeviceID()
	}
	return s.deviceID
}

func (s *Server) version() string {
	if s.updates == nil {
		return ""
	}
	return s.updates.CurrentVersion()
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, _ *http.Request) {
	st := s.conn.Status()
	facts := settings.NetworkFacts{
		DeviceID: s.deviceIDValue(),
		Version:  s.version(),
		IP:       st.IP,
		MAC:      st.MAC,
		Mode:     st.Mode(),
		SSID:     st.APSSID,
	}
	writeJSON(w, http.StatusOK, s.settings.DeviceInfo(facts))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.Scan(r.Context()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, connectResponse{Error: "invalid request body"})
		return
	}
	req.SSID = strings.TrimSpace(req.SSID)
	if msg := validateCredentials(req.SSID, req.Password); msg != "" {
		writeJSON(w, http.StatusBadRequest, connectResponse{Error: msg})
		return
	}

	next := s.settings.Current().WithCredentials(req.SSID, req.Password)
	if err := s.settings.Save(next); err != nil {
		s.log.Error("Failed to save credentials.", "err", err)
		writeJSON(w, http.StatusInternalServerError, connectResponse{Error: "could not save settings"})
		return
	}

	// The client usually reaches the portal over the access point, which
	// goes down during the switch. The transition must outlive the request.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.connectTimeout)
	defer cancel()

	st, err := s.conn.Connect(ctx, s.settings.Current())
	if err != nil {
		s.log.Warn("Connect request failed.", "ssid", req.SSID, "err", err)
		code, msg := connectFailure(err)
		writeJSON(w, code, connectResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Success: true, IP: st.IP})
}

func validateCredentials(ssid, password string) string {
	switch {
	case ssid == "":
		return "ssid is required"
	case len(ssid) > 32:
		return "ssid must be at most 32 bytes"
	case strings.ContainsAny(password, "\r\n"):
		return "password must not contain line breaks"
	case password != "" && (len(password) < minPassphrase || len(password) > maxPassphrase):
		return "password must be 8-63 characters, or empty for an open network"
	}
	return ""
}

func connectFailure(err error) (int, string) {
	var verr *palpable.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, palpable.ErrTransitionBusy):
		return http.StatusConflict, "another connection attempt is still running"
	case errors.Is(err, palpable.ErrWirelessUnavailable):
		return http.StatusServiceUnavailable, "wireless interface unavailable"
	case errors.Is(err, palpable.ErrAssociationTimeout):
		return http.StatusOK, "could not join the network in time; check the name and password"
	default:
		return http.StatusOK, "could not connect to the network"
	}
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	if s.claim == nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Error: "claiming is not available"})
		return
	}
	session, err := s.claim.Session(r.Context())
	if err != nil {
		s.log.Warn("Failed to read claim session.", "err", err)
		writeJSON(w, http.StatusInternalServerError, result{Error: "could not read claim state"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if s.claim == nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Error: "claiming is not available"})
		return
	}
	var req claimRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, result{Error: "invalid request body"})
		return
	}
	if _, err := s.claim.Claim(r.Context(), req.Code, req.DeviceID); err != nil {
		s.log.Info("Claim failed.", "err", err)
		writeJSON(w, claimStatusCode(err), result{Error: claim.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, result{Success: true})
}

func (s *Server) handleClaimCode(w http.ResponseWriter, r *http.Request) {
	if s.claim == nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Error: "claiming is not available"})
		return
	}
	code, err := s.claim.RequestCode(r.Context())
	if err != nil {
		s.log.Info("Claim code request failed.", "err", err)
		writeJSON(w, claimStatusCode(err), result{Error: claim.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, result{Success: true, Code: code})
}

func claimStatusCode(err error) int {
	var verr *palpable.ValidationError
	switch {
	case errors.Is(err, palpable.ErrInvalidClaimCode), errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, palpable.ErrClaimRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, palpable.ErrRegistryUnreachable), errors.Is(err, palpable.ErrRegistryServer):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, _ *http.Request) {
	if s.updates == nil {
		writeJSON(w, http.StatusOK, palpable.NewUpdateInfo("", ""))
		return
	}
	writeJSON(w, http.StatusOK, s.updates.Status())
}

func (s *Server) handleReboot(w http.ResponseWriter, _ *http.Request) {
	if s.reboot == nil {
		writeJSON(w, http.StatusServiceUnavailable, result{Error: "reboot is not available"})
		return
	}
	writeJSON(w, http.StatusAccepted, result{Success: true})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	s.rebootOnce.Do(func() {
		s.log.Info("Reboot requested through the portal.")
		go s.reboot()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.conn.Status()
	resp := healthResponse{
		Status:       "ok",
		State:        st.State,
		WifiMode:     st.Mode(),
		Version:      s.version(),
		ConnectError: st.Error,
	}
	if s.clock != nil {
		cs := s.clock.Status()
		resp.Clock = &clockHealth{Phase: cs.Phase, OffsetMS: cs.Offset.Milliseconds(), Error: cs.Error}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCaptiveProbe(w http.ResponseWriter, r *http.Request) {
	target := "/"
	if st := s.conn.Status(); st.IP != "" {
		target = "http://" + st.IP + "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
