// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	bperrors "github.com/gamelist1990/BunProxy/pkg/errors"
)

// identityEvent is the shared shape of the login and logout request bodies.
type identityEvent struct {
	Timestamp float64
	Username  string
}

// decodeIdentityEvent parses and validates the request body, returning a 400
// diagnostic through w and false if it is malformed or has the wrong field
// types. The connection is always kept open; a malformed body never
// terminates anything above this handler.
func (s *Server) decodeIdentityEvent(w http.ResponseWriter, r *http.Request) (identityEvent, bool) {
	var raw map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		wrapped := bperrors.New("decode_identity_event", "http", "", clientIP(r), err)
		s.config.Logger.Debug("rejected malformed control endpoint body", slog.String("error", wrapped.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return identityEvent{}, false
	}

	tsRaw, ok := raw["timestamp"]
	if !ok {
		writeError(w, http.StatusBadRequest, "missing field: timestamp")
		return identityEvent{}, false
	}
	num, ok := tsRaw.(json.Number)
	if !ok {
		writeError(w, http.StatusBadRequest, "field timestamp must be a number")
		return identityEvent{}, false
	}
	ts, err := num.Float64()
	if err != nil {
		writeError(w, http.StatusBadRequest, "field timestamp must be a number")
		return identityEvent{}, false
	}

	usernameRaw, ok := raw["username"]
	if !ok {
		writeError(w, http.StatusBadRequest, "missing field: username")
		return identityEvent{}, false
	}
	username, ok := usernameRaw.(string)
	if !ok || strings.TrimSpace(username) == "" {
		writeError(w, http.StatusBadRequest, "field username must be a non-empty string")
		return identityEvent{}, false
	}

	return identityEvent{Timestamp: ts, Username: username}, true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "expected POST")
		return
	}
	if !s.checkRateLimit(w, r, "login") {
		return
	}

	event, ok := s.decodeIdentityEvent(w, r)
	if !ok {
		return
	}
	ts := time.UnixMilli(int64(event.Timestamp))

	s.config.IdentityMap.RegisterLogin(ts, event.Username)
	if s.config.Metrics != nil {
		s.config.Metrics.IdentityLoginsTotal.Inc()
	}

	matched, _ := s.config.Pending.ProcessForPlayer(ts)
	if len(matched) == 0 {
		s.broadcastGeneric("join", event.Username, "", "", nil)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": 0})
		return
	}

	type groupKey struct {
		IP       string
		Protocol string
	}
	groups := make(map[groupKey]map[int]struct{})
	// Each group reports the target of its first matched entry.
	targets := make(map[groupKey]string)

	for _, entry := range matched {
		if entry.OnMatch != nil {
			entry.OnMatch(event.Username)
		}
		s.config.Store.Update(event.Username, entry.IP, entry.Protocol)

		key := groupKey{IP: entry.IP, Protocol: entry.Protocol}
		ports, ok := groups[key]
		if !ok {
			ports = make(map[int]struct{})
			groups[key] = ports
			targets[key] = entry.Target
		}
		ports[entry.Port] = struct{}{}
	}

	for key, portSet := range groups {
		ports := make([]int, 0, len(portSet))
		for p := range portSet {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		for _, webhook := range s.config.Webhooks {
			s.config.Dispatcher.SendIdentity("join", webhook, event.Username, key.Protocol, targets[key], key.IP, ports)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": len(matched)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "expected POST")
		return
	}
	if !s.checkRateLimit(w, r, "logout") {
		return
	}

	event, ok := s.decodeIdentityEvent(w, r)
	if !ok {
		return
	}
	ts := time.UnixMilli(int64(event.Timestamp))

	s.config.IdentityMap.RegisterLogout(ts, event.Username)

	ip, protocol, found := s.config.Store.Lookup(event.Username)
	if found {
		s.broadcastGeneric("leave", event.Username, protocol, ip, nil)
	} else {
		s.broadcastGeneric("leave", event.Username, "", "", nil)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// broadcastGeneric fans an identity notification with no correlated ports
// out to every configured webhook URL. Used for logins with no matched flow
// and for logouts, whose persisted record carries no port.
func (s *Server) broadcastGeneric(kind, username, protocol, ip string, ports []int) {
	for _, webhook := range s.config.Webhooks {
		s.config.Dispatcher.SendIdentity(kind, webhook, username, protocol, "", ip, ports)
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "unknown route: "+r.URL.Path)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "expected GET")
		return
	}

	snapshot := s.config.IdentityMap.Snapshot()
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("failed to encode control response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
