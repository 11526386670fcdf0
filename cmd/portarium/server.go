package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/auth"
	"github.com/45ck/Portarium-sub006/pkg/commands"
)

// commandTracker instruments one command execution. The returned callback
// records the outcome; observability.Provider is the production
// implementation.
type commandTracker interface {
	TrackCommand(ctx context.Context, commandName, tenantID string) (context.Context, func(error))
}

// server is the JSON command transport. It verifies the bearer token, builds
// the application context, tracks each command and maps the error taxonomy
// onto HTTP status codes.
type server struct {
	service *commands.Service
	tokens  *auth.TokenManager
	obs     commandTracker
}

func newServer(service *commands.Service, tokens *auth.TokenManager, obs commandTracker) *server {
	return &server{service: service, tokens: tokens, obs: obs}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("POST /v1/commands/start-workflow", handle(s, "StartWorkflow", s.startWorkflow))
	mux.Handle("POST /v1/commands/submit-approval", handle(s, "SubmitApproval", s.submitApproval))
	mux.Handle("POST /v1/commands/register-workspace", handle(s, "RegisterWorkspace", s.registerWorkspace))
	mux.Handle("POST /v1/commands/register-machine-agent", handle(s, "RegisterMachineAgent", s.registerMachineAgent))
	return mux
}

type commandFunc[Req any, Res any] func(ctx context.Context, appCtx app.Context, req Req) (*Res, error)

// handle decodes the request, authenticates, runs the command under the
// tracker and writes the result or the mapped error.
func handle[Req any, Res any](s *server, name string, fn commandFunc[Req, Res]) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appCtx, ok := s.authenticate(w, r)
		if !ok {
			return
		}

		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, app.ValidationFailed("malformed JSON body"))
			return
		}

		ctx, done := s.obs.TrackCommand(r.Context(), name, appCtx.TenantID)
		res, err := fn(ctx, appCtx, req)
		done(err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

func (s *server) startWorkflow(ctx context.Context, appCtx app.Context, req commands.StartWorkflowRequest) (*commands.StartWorkflowResult, error) {
	return s.service.StartWorkflow(ctx, appCtx, req)
}

func (s *server) submitApproval(ctx context.Context, appCtx app.Context, req commands.SubmitApprovalRequest) (*commands.SubmitApprovalResult, error) {
	return s.service.SubmitApproval(ctx, appCtx, req)
}

func (s *server) registerWorkspace(ctx context.Context, appCtx app.Context, req commands.RegisterWorkspaceRequest) (*commands.RegisterWorkspaceResult, error) {
	return s.service.RegisterWorkspace(ctx, appCtx, req)
}

func (s *server) registerMachineAgent(ctx context.Context, appCtx app.Context, req commands.RegisterMachineAgentRequest) (*commands.RegisterMachineAgentResult, error) {
	return s.service.RegisterMachineAgent(ctx, appCtx, req)
}

func (s *server) authenticate(w http.ResponseWriter, r *http.Request) (app.Context, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return app.Context{}, false
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		slog.Debug("token rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return app.Context{}, false
	}

	correlationID := r.Header.Get("X-Correlation-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return auth.ContextFrom(claims, correlationID), true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch app.KindOf(err) {
	case app.KindForbidden:
		status = http.StatusForbidden
	case app.KindValidationFailed:
		status = http.StatusBadRequest
	case app.KindNotFound:
		status = http.StatusNotFound
	case app.KindConflict:
		status = http.StatusConflict
	case app.KindDependencyFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{
		"kind":  string(app.KindOf(err)),
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response", "error", err)
	}
}
