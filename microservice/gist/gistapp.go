package gist

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/EphemeralEpoch/smart-book-gist/microservice"
	"github.com/EphemeralEpoch/smart-book-gist/pkg/groq"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChatSender is the slice of the Groq client the service uses.
type ChatSender interface {
	SendChat(ctx context.Context, req groq.ChatRequest) (*groq.ChatResponse, error)
}

// SummarizeRequest is the /summarize request body. Zero-valued fields take
// the configured defaults.
type SummarizeRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// SummarizeResponse is the /summarize success body.
type SummarizeResponse struct {
	Prompt    string `json:"prompt"`
	Gist      string `json:"gist"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// App is the gist summarization service.
type App struct {
	*microservice.BaseServer
	cfg    *Config
	sender ChatSender
	logger zerolog.Logger
}

// NewApp wires the HTTP surface onto a base server. The sender is injected
// so tests can stand in for the remote API.
func NewApp(cfg *Config, sender ChatSender, logger zerolog.Logger) *App {
	appLogger := logger.With().Str("component", "GistApp").Logger()
	baseServer := microservice.NewBaseServer(appLogger, cfg.HTTPPort)

	a := &App{
		BaseServer: baseServer,
		cfg:        cfg,
		sender:     sender,
		logger:     appLogger,
	}

	mux := baseServer.Mux()
	mux.HandleFunc("/", a.indexHandler)
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/summarize", a.summarizeHandler)
	mux.HandleFunc("/generate", a.summarizeHandler)

	return a
}

func (a *App) indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "smart-book-gist",
		"status":  "ok",
		"message": "Hello, the container is running and listening on the expected port.",
	})
}

func (a *App) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *App) summarizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "POST required"})
		return
	}

	requestID := uuid.NewString()
	logger := a.logger.With().Str("request_id", requestID).Logger()

	var req SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body", Details: err.Error()})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	temperature := a.cfg.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := a.cfg.DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	model := req.Model
	if model == "" {
		model = a.cfg.Groq.Model
	}

	resp, err := a.sender.SendChat(r.Context(), groq.ChatRequest{
		Model:       model,
		Messages:    groq.BuildMessages(req.Prompt),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Upstream chat completion failed.")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to call Groq API", Details: err.Error()})
		return
	}

	gist := groq.FirstChoiceContent(resp)
	if gist == "" {
		logger.Error().Msg("Upstream response carried no choices.")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream returned no completion"})
		return
	}

	if resp.Model != "" {
		model = resp.Model
	}
	writeJSON(w, http.StatusOK, SummarizeResponse{
		Prompt:    req.Prompt,
		Gist:      gist,
		Model:     model,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
