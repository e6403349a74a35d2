package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"youtube-notifier/feed"
	"youtube-notifier/manager"
	"youtube-notifier/pkg/tracker"
	"youtube-notifier/platform"
)

const (
	maxCommandBytes = 64 << 10
	maxMigrateBytes = 8 << 20
)

// commandRequest is the body of every JSON command. Unused fields are ignored.
type commandRequest struct {
	Message     *string `json:"message"`
	Mention     *string `json:"mention"`
	Enabled     *bool   `json:"enabled"`
	Channel     string  `json:"channel"`     // YouTube channel ID or URL
	Destination string  `json:"destination"` // Chat channel ID
	Guild       string  `json:"guild"`       // Empty means every guild
	Seconds     int     `json:"seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses. Unexpected errors are logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var he *feed.HTTPError
	var pe *feed.ParseError
	switch {
	case tracker.IsResolutionError(err), tracker.IsTemplateError(err), errors.Is(err, tracker.ErrUnknownOption):
		status = http.StatusBadRequest
	case tracker.IsPermissionError(err):
		status = http.StatusForbidden
	case errors.Is(err, tracker.ErrNotFound), errors.Is(err, platform.ErrChannelGone):
		status = http.StatusNotFound
	case errors.Is(err, tracker.ErrAlreadySubscribed):
		status = http.StatusConflict
	case errors.As(err, &he), errors.As(err, &pe), feed.IsConnectionError(err):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Command failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	} else {
		s.logger.Info("Command rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg}, s.logger)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (*commandRequest, bool) {
	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"}, s.logger)
		return nil, false
	}
	req.Channel = strings.TrimSpace(req.Channel)
	if req.Channel == "" && r.URL.Path != "/api/interval" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channel is required"}, s.logger)
		return nil, false
	}
	return &req, true
}

func (s *Server) requireDestination(w http.ResponseWriter, req *commandRequest) bool {
	if strings.TrimSpace(req.Destination) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "destination is required"}, s.logger)
		return false
	}
	return true
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok || !s.requireDestination(w, req) {
		return
	}
	sub, err := s.manager.Subscribe(r.Context(), req.Channel, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"channel_id":  sub.ID,
		"name":        sub.Name,
		"destination": req.Destination,
		"message":     fmt.Sprintf("YouTube channel %s will now be announced in %s when new videos are published.", sub.Name, req.Destination),
	}, s.logger)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.manager.Unsubscribe(r.Context(), req.Channel, req.Guild, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	guild := r.URL.Query().Get("guild")
	groups, err := s.manager.List(r.Context(), guild)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"pages":  manager.Pages(groups, limit),
	}, s.logger)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channel is required"}, s.logger)
		return
	}
	info, err := s.manager.Info(r.Context(), channel, r.URL.Query().Get("guild"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info, s.logger)
}

// setOption runs one option command and answers with the option state.
// Without a destination the option applies to every destination in the guild.
func (s *Server) setOption(w http.ResponseWriter, r *http.Request, opt func(*commandRequest) tracker.Option) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	o := opt(req)
	if err := s.manager.SetOption(r.Context(), req.Channel, req.Guild, req.Destination, o); err != nil {
		s.writeError(w, r, err)
		return
	}
	value, set := o.Value()
	writeJSON(w, http.StatusOK, map[string]any{
		"option":  o.Path(req.Destination).String(),
		"value":   value,
		"cleared": !set,
	}, s.logger)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	s.setOption(w, r, func(req *commandRequest) tracker.Option {
		return tracker.MessageOption{Template: req.Message}
	})
}

func (s *Server) handleMention(w http.ResponseWriter, r *http.Request) {
	s.setOption(w, r, func(req *commandRequest) tracker.Option {
		if req.Mention == nil || *req.Mention == "" {
			return tracker.MentionOption{}
		}
		m := tracker.ParseMention(*req.Mention)
		return tracker.MentionOption{Target: &m}
	})
}

func (s *Server) handlePlain(w http.ResponseWriter, r *http.Request) {
	s.setOption(w, r, func(req *commandRequest) tracker.Option {
		return tracker.PlainOption{Enabled: req.Enabled}
	})
}

// handlePublish sets publishing when "enabled" is given and toggles it otherwise.
// Toggling needs a destination; setting without one covers the whole guild.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Enabled != nil {
		if err := s.manager.SetOption(r.Context(), req.Channel, req.Guild, req.Destination, tracker.PublishOption{Enabled: req.Enabled}); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"publish": *req.Enabled}, s.logger)
		return
	}
	if !s.requireDestination(w, req) {
		return
	}
	enabled, err := s.manager.TogglePublish(r.Context(), req.Channel, req.Guild, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"publish": enabled}, s.logger)
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if req.Seconds <= 0 {
		writeJSON(w, http.StatusOK, map[string]int{"seconds": int(s.poller.Interval() / time.Second)}, s.logger)
		return
	}
	applied, err := s.poller.SetInterval(r.Context(), time.Duration(req.Seconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"seconds": int(applied / time.Second)}, s.logger)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	res, err := s.manager.Delete(r.Context(), req.Channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMigrateBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "export too large"}, s.logger)
		return
	}
	res, err := s.manager.Migrate(r.Context(), data)
	if err != nil {
		if res == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()}, s.logger)
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}
