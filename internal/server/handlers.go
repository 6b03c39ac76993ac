package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"go.olrik.dev/tether/internal/bridge"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Metadata accompanies every command response
type Metadata struct {
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	BridgeUsed bool      `json:"bridgeUsed"`
	Command    string    `json:"command,omitempty"`
}

// Envelope is the POST /command response body
type Envelope struct {
	Success       bool       `json:"success"`
	CorrelationID string     `json:"correlationId"`
	Result        any        `json:"result,omitempty"`
	Error         *errorBody `json:"error,omitempty"`
	Metadata      Metadata   `json:"metadata"`
}

type commandRequest struct {
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	SessionID     string          `json:"session_id"`
}

// healthTransitions bounds the bridge history reported by /health
const healthTransitions = 10

func (s *ControlServer) handleHealth(c *gin.Context) {
	st := s.bridge.Status()
	transitions := s.bridge.History()
	if len(transitions) > healthTransitions {
		transitions = transitions[len(transitions)-healthTransitions:]
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"pid":         os.Getpid(),
		"version":     s.version,
		"time":        time.Now().UTC(),
		"bridgeState": st.State,
		"bridge":      st,
		"transitions": transitions,
	})
}

func (s *ControlServer) handleSnapshot(c *gin.Context) {
	if !s.bridge.IsConnected() {
		s.unavailable(c, nil)
		return
	}

	data, err := s.bridge.Snapshot(c.Request.Context())
	var extraction *bridge.ExtractionError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
	case errors.As(err, &extraction):
		c.JSON(http.StatusOK, gin.H{"success": false, "error": extractionBody(extraction)})
	case errors.Is(err, bridge.ErrUnavailable):
		s.unavailable(c, err)
	default:
		s.logger.Error("Snapshot failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": errorBody{Code: "internal", Message: err.Error()}})
	}
}

func (s *ControlServer) unavailable(c *gin.Context, err error) {
	msg := "host bridge is not connected"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"success": false,
		"error":   errorBody{Code: "bridge_unavailable", Message: msg},
		"bridge":  s.bridge.Status(),
	})
}

func extractionBody(e *bridge.ExtractionError) *errorBody {
	return &errorBody{Code: bridge.ReasonExtractionFailed, Reason: e.Reason, Message: e.Message}
}

func (s *ControlServer) handleRegistry(c *gin.Context) {
	agg, err := s.store.ReadAggregate()
	if err != nil {
		s.logger.Warn("Failed to read registry", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errorBody{Code: "internal", Message: err.Error()}})
		return
	}
	if agg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": errorBody{Code: "not_found", Message: "registry not found"}})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *ControlServer) handleCommand(c *gin.Context) {
	meta := Metadata{PID: os.Getpid(), Timestamp: time.Now().UTC()}

	reject := func(correlationID, code, msg string) {
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.JSON(http.StatusBadRequest, Envelope{
			CorrelationID: correlationID,
			Error:         &errorBody{Code: code, Message: msg},
			Metadata:      meta,
		})
	}

	if c.Request.ContentLength > s.cfg.MaxBodyBytes {
		reject("", "body_too_large", "request body exceeds limit")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject("", "body_too_large", "request body exceeds limit")
			return
		}
		reject("", "bad_request", "failed to read request body")
		return
	}

	var req commandRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		reject("", "malformed_json", err.Error())
		return
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = req.SessionID
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		reject(correlationID, "missing_field", "field 'name' is required")
		return
	}
	meta.Command = name

	fn, ok := s.command(name)
	if !ok {
		reject(correlationID, "unknown_command", "unknown command: "+name)
		return
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	res, err := fn(c.Request.Context(), req.Payload)
	meta.BridgeUsed = res.BridgeUsed

	env := Envelope{CorrelationID: correlationID, Metadata: meta}
	status := http.StatusOK

	var reqErr *RequestError
	var extraction *bridge.ExtractionError
	switch {
	case err == nil:
		env.Success = true
		env.Result = res.Value
	case errors.As(err, &reqErr):
		status = http.StatusBadRequest
		env.Error = &errorBody{Code: reqErr.Code, Message: reqErr.Message}
	case errors.As(err, &extraction):
		env.Result = res.Value
		env.Error = extractionBody(extraction)
	case errors.Is(err, bridge.ErrUnavailable):
		status = http.StatusServiceUnavailable
		env.Error = &errorBody{Code: "bridge_unavailable", Message: err.Error()}
	default:
		s.logger.Error("Command failed", "command", name, "error", err)
		status = http.StatusInternalServerError
		env.Error = &errorBody{Code: "command_failed", Message: err.Error()}
	}

	c.JSON(status, env)

	if res.after != nil {
		// Let the response reach the client first
		c.Writer.Flush()
		go res.after()
	}
}
