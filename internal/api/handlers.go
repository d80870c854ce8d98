package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/worker/internal/engine"
	"github.com/whatsapp-automation/worker/internal/model"
)

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns, err := s.backend.Connections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	states := map[model.ConnectionState]int{}
	for _, c := range conns {
		states[c.State]++
	}
	running := 0
	for _, c := range s.backend.Campaigns() {
		if !c.Status.Closed() {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":     true,
		"worker_id":   s.WorkerID,
		"uptime":      humanize.RelTime(s.started, time.Now(), "", ""),
		"connections": states,
		"queue_depth": s.backend.QueueDepth(),
		"sending":     s.backend.Sending(),
		"campaigns":   running,
	})
}

// GET /proxies
func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": s.proxies.Enabled(),
		"proxies": s.proxies.Stats(),
	})
}

// POST /proxies/unblock
func (s *Server) handleUnblockProxies(w http.ResponseWriter, r *http.Request) {
	n := s.proxies.UnblockAll()
	s.log.Info().Int("unblocked", n).Msg("proxy pool reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{"unblocked": n, "proxies": s.proxies.Stats()})
}

// Connections

type createConnectionRequest struct {
	OwnerID    string `json:"owner_id"`
	Persistent bool   `json:"persistent"`
}

// POST /connections
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req createConnectionRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.backend.CreateConnection(r.Context(), req.OwnerID, req.Persistent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("connection_id", c.ID).Str("owner_id", c.OwnerID).Msg("connection created")
	writeJSON(w, http.StatusCreated, c)
}

// GET /connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.backend.Connections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": conns, "total": len(conns)})
}

// GET /connections/{id}
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.backend.Connection(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// DELETE /connections/{id}
func (s *Server) handleTerminateConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.backend.TerminateConnection(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

// POST /connections/{id}/reconnect
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	accepted, err := s.backend.RequestReconnect(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": accepted, "id": id})
}

// POST /connections/{id}/probe
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, err := s.backend.ProbeConnection(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "state": state})
}

// Messages

type enqueueRequest struct {
	ConnectionID string `json:"connection_id"`
	Target       string `json:"target"`
	Text         string `json:"text"`
	MediaRef     string `json:"media_ref"`
	DelayMS      int64  `json:"delay_ms"`
}

func (req enqueueRequest) Validate() error {
	return validation.ValidateStruct(&req, validation.Field(&req.DelayMS, millisRules...))
}

// POST /messages
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.backend.EnqueueMessage(r.Context(), engine.MessageRequest{
		ConnectionID: req.ConnectionID,
		Target:       req.Target,
		Payload:      model.Payload{Text: req.Text, MediaRef: req.MediaRef},
		Delay:        millis(req.DelayMS),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": id, "queue_depth": s.backend.QueueDepth()})
}

// DELETE /messages/{id}
func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.backend.CancelMessage(id) {
		writeError(w, http.StatusNotFound, "message not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "task_id": id})
}

// Campaigns

type campaignRequest struct {
	OwnerID        string   `json:"owner_id"`
	ConnectionID   string   `json:"connection_id"`
	Targets        []string `json:"targets"`
	Text           string   `json:"text"`
	MediaRef       string   `json:"media_ref"`
	BatchSize      int      `json:"batch_size"`
	MessageDelayMS int64    `json:"message_delay_ms"`
	BatchDelayMS   int64    `json:"batch_delay_ms"`
	MaxDurationMS  int64    `json:"max_duration_ms"`
}

func (req campaignRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.MessageDelayMS, millisRules...),
		validation.Field(&req.BatchDelayMS, millisRules...),
		validation.Field(&req.MaxDurationMS, millisRules...),
	)
}

func (req campaignRequest) spec() model.CampaignSpec {
	return model.CampaignSpec{
		OwnerID:      req.OwnerID,
		ConnectionID: req.ConnectionID,
		Targets:      req.Targets,
		Payload:      model.Payload{Text: req.Text, MediaRef: req.MediaRef},
		Pacing: model.Pacing{
			BatchSize:         req.BatchSize,
			InterMessageDelay: millis(req.MessageDelayMS),
			InterBatchDelay:   millis(req.BatchDelayMS),
			MaxDuration:       millis(req.MaxDurationMS),
		},
	}
}

// POST /campaigns
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.backend.StartCampaign(r.Context(), req.spec())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("campaign_id", id).Int("targets", len(req.Targets)).Msg("campaign started")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"campaign_id": id, "total": len(req.Targets)})
}

// GET /campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list := s.backend.Campaigns()
	for i := range list {
		list[i].Results = nil
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": list, "total": len(list)})
}

// GET /campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.backend.Campaign(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /campaigns/{id}/pause|resume|cancel
func (s *Server) handleCampaignAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]
	var err error
	switch action {
	case "pause":
		err = s.backend.PauseCampaign(id)
	case "resume":
		err = s.backend.ResumeCampaign(id)
	default:
		err = s.backend.CancelCampaign(id)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.backend.Campaign(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaign_id": id, "action": action, "status": c.Status})
}
