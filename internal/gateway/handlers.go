package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hoonlabs/agentd/internal/agent"
	"github.com/hoonlabs/agentd/internal/attachments"
	"github.com/hoonlabs/agentd/internal/jobs"
	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/pkg/models"
)

const maxRequestBytes = 10 << 20

// chatRequestSchema validates the chat and job submission body before
// it is decoded.
const chatRequestSchema = `{
	"type": "object",
	"properties": {
		"session_id": {"type": "string"},
		"user": {"type": "string"},
		"content": {"type": "string", "minLength": 1},
		"collections": {"type": "array", "items": {"type": "string"}},
		"attachments": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"data": {"type": "string"}
				},
				"required": ["name", "data"]
			}
		}
	},
	"required": ["content"],
	"additionalProperties": false
}`

var compileChatSchema = sync.OnceValue(func() *jsonschema.Schema {
	return jsonschema.MustCompileString("chat.schema.json", chatRequestSchema)
})

type chatRequest struct {
	SessionID   string            `json:"session_id"`
	User        string            `json:"user"`
	Content     string            `json:"content"`
	Collections []string          `json:"collections"`
	Attachments []attachmentInput `json:"attachments"`
}

type attachmentInput struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (s *Server) decodeChatRequest(r *http.Request) (*agent.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := compileChatSchema().Validate(decoded); err != nil {
		return nil, err
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.User == "" {
		req.User = "anonymous"
	}

	atts := make([]models.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: data is not base64: %w", a.Name, err)
		}
		atts = append(atts, attachments.Extract(a.Name, data))
	}

	return &agent.Request{
		SessionID:   req.SessionID,
		User:        req.User,
		Content:     req.Content,
		Collections: req.Collections,
		Attachments: atts,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("stream") == "1" {
		s.streamChat(w, r, req)
		return
	}

	result, err := s.loop.Run(r.Context(), req)
	if err != nil {
		s.logger.Error(r.Context(), "chat run failed", "error", err, "session_id", req.SessionID)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *agent.Request) {
	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.loop.RunStream(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			sse.send("error", map[string]string{"error": ev.Err.Error()})
		case ev.Final != nil:
			sse.send("final", ev.Final)
		case ev.Text != "":
			sse.send("text", map[string]string{"text": ev.Text})
		case len(ev.ToolCalls) > 0:
			sse.send("tool_calls", ev.ToolCalls)
		case ev.Tool != nil:
			sse.send("tool", ev.Tool)
		}
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobs.Submit(r.Context(), req.SessionID, req.User, s.jobRun(req))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// jobRun adapts a chat request into a background run, mirroring loop
// events into the job record.
func (s *Server) jobRun(req *agent.Request) jobs.RunFunc {
	return func(ctx context.Context, rec *jobs.Recorder) (models.Outcome, error) {
		runReq := *req
		runReq.Cancelled = rec.Cancelled

		events, err := s.loop.RunStream(ctx, &runReq)
		if err != nil {
			return models.OutcomeFailed, err
		}

		var result *agent.RunResult
		var runErr error
		for ev := range events {
			switch {
			case ev.Err != nil:
				runErr = ev.Err
			case ev.Final != nil:
				result = ev.Final
			case ev.Text != "":
				rec.Text(ev.Text)
			case ev.Tool != nil:
				rec.Tool(*ev.Tool)
			}
		}

		if runErr != nil {
			return models.OutcomeFailed, runErr
		}
		if result == nil {
			return models.OutcomeFailed, fmt.Errorf("run produced no result")
		}
		return result.Outcome, nil
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	list, err := s.jobs.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	events, err := s.jobs.Stream(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for ev := range events {
		switch {
		case ev.Done != nil:
			sse.send("done", ev.Done)
		case ev.Text != "":
			sse.send("text", map[string]string{"text": ev.Text})
		case ev.Tool != nil:
			sse.send("tool", ev.Tool)
		}
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, jobs.ErrJobTerminal):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context(), r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	messages, err := s.sessions.Messages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRaiseStop(w http.ResponseWriter, r *http.Request) {
	s.stop.Raise()
	s.logger.Warn(r.Context(), "kill switch raised")
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleClearStop(w http.ResponseWriter, r *http.Request) {
	s.stop.Clear()
	s.logger.Info(r.Context(), "kill switch cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": false})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.prompt.Invalidate(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gen := s.prompt.Current().Generation
	s.logger.Info(r.Context(), "prompt context reloaded", "generation", gen)
	writeJSON(w, http.StatusOK, map[string]uint64{"generation": gen})
}

func newRequestID() string {
	return uuid.NewString()
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}
