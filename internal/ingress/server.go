// Package ingress exposes the request/response surface the agent runners
// use to report results, plus status, stop, and the observation channel.
package ingress

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/smilelab/smile/internal/events"
	"github.com/smilelab/smile/internal/loop"
	"github.com/smilelab/smile/internal/state"
)

// RunIDHeader authenticates mutating requests; its value must match the
// run_id assigned at startup.
const RunIDHeader = "X-Smile-Run-Id"

// DefaultAckTimeout bounds how long a handler waits for the controller
// acknowledgement before reporting busy.
const DefaultAckTimeout = 5 * time.Second

const maxBodyBytes = 1 << 20

//go:embed student_output.schema.json
var studentOutputSchema string

// LoopAPI is the slice of the controller the ingress needs.
type LoopAPI interface {
	SubmitStudent(ctx context.Context, output state.StudentOutput) (loop.SubmitResult, error)
	SubmitMentor(ctx context.Context, text string) (loop.SubmitResult, error)
	Stop(ctx context.Context, reason string) (loop.SubmitResult, error)
	Snapshot() *state.LoopState
}

// Server is the HTTP ingress bound to a local port.
type Server struct {
	api        LoopAPI
	bus        *events.Bus
	runID      string
	ackTimeout time.Duration
	httpServer *http.Server
}

// NewServer builds the ingress around a controller and event bus.
func NewServer(api LoopAPI, bus *events.Bus, runID string) *Server {
	s := &Server{
		api:        api,
		bus:        bus,
		runID:      runID,
		ackTimeout: DefaultAckTimeout,
	}
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the ingress router.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/student/result", s.requireRunID(s.handleStudentResult))
	mux.HandleFunc("POST /api/mentor/result", s.requireRunID(s.handleMentorResult))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/stop", s.requireRunID(s.handleStop))
	mux.HandleFunc("GET /ws", s.handleWS)
	return corsMiddleware(mux)
}

// Serve starts accepting connections on the listener and blocks until
// Shutdown or failure.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("ingress listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware keeps the ingress reachable from local observer UIs.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RunIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireRunID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RunIDHeader) != s.runID {
			writeError(w, http.StatusUnauthorized, "missing or invalid run id")
			return
		}
		next(w, r)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type ackResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	NextAction   string `json:"next_action"`
}

type statusResponse struct {
	State *state.LoopState `json:"state"`
}

type stopRequest struct {
	Reason string `json:"reason"`
}

type stopResponse struct {
	Stopped    bool            `json:"stopped"`
	FinalState state.LoopState `json:"final_state"`
}

type studentResultRequest struct {
	StudentOutput json.RawMessage `json:"student_output"`
	Timestamp     time.Time       `json:"timestamp"`
}

type mentorResultRequest struct {
	MentorOutput string    `json:"mentor_output"`
	Timestamp    time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// submitStatus maps controller errors to HTTP codes: validation 400,
// wrong state 409, busy 503.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, loop.ErrInvalidSubmission):
		return http.StatusBadRequest
	case errors.Is(err, loop.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, loop.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStudentResult(w http.ResponseWriter, r *http.Request) {
	var req studentResultRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.StudentOutput) == 0 {
		writeError(w, http.StatusBadRequest, "student_output is required")
		return
	}

	// Runners sometimes post their raw model output as a string instead of
	// a structured object; unwrap it so the recovery parse sees the text.
	raw := bytes.TrimSpace(req.StudentOutput)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			raw = []byte(text)
		}
	}

	output, object, err := loop.ParseStudentOutput(raw)
	switch {
	case errors.Is(err, loop.ErrNoJSON):
		// Unparseable after the recovery pass: recorded as
		// cannot_complete, not rejected.
		log.Warn().Int("bytes", len(raw)).Msg("unparseable student output, recording as malformed")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		if err := validateStudentOutputShape(object); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ackTimeout)
	defer cancel()

	res, err := s.api.SubmitStudent(ctx, output)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	log.Info().Str("status", string(output.Status)).Str("step", output.CurrentStep).Msg("student result accepted")
	writeJSON(w, http.StatusOK, ackResponse{Acknowledged: true, NextAction: res.NextAction})
}

// validateStudentOutputShape checks the submission envelope against the
// embedded JSON schema before the typed decode runs.
func validateStudentOutputShape(raw json.RawMessage) error {
	schemaLoader := gojsonschema.NewStringLoader(studentOutputSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("invalid student_output: %v", err)
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return fmt.Errorf("invalid student_output: %s", first.String())
	}
	return nil
}

func (s *Server) handleMentorResult(w http.ResponseWriter, r *http.Request) {
	var req mentorResultRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.MentorOutput == "" {
		writeError(w, http.StatusBadRequest, "mentor_output is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ackTimeout)
	defer cancel()

	res, err := s.api.SubmitMentor(ctx, req.MentorOutput)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	log.Info().Int("bytes", len(req.MentorOutput)).Msg("mentor result accepted")
	writeJSON(w, http.StatusOK, ackResponse{Acknowledged: true, NextAction: res.NextAction})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.api.Snapshot()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "loop state unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{State: st})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.ackTimeout)
	defer cancel()

	res, err := s.api.Stop(ctx, req.Reason)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Stopped: true, FinalState: res.State})
}
