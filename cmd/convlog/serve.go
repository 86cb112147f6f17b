package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comigor/convlog/internal/agent"
	"github.com/comigor/convlog/internal/conversation"
	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/llm"
	"github.com/comigor/convlog/internal/logger"
	"github.com/comigor/convlog/internal/mcpserver"
)

const serveLongDesc string = `Run the chat HTTP server.

Endpoints:
  POST /         Chat turn: the request body is the user message, the response is the reply
  GET  /history  In-memory conversation as JSON (?limit=N keeps the newest N)
  POST /reload   Run a recovery pass against the store
  POST /clear    Back up, then clear the in-memory conversation; returns the cleared messages

With store.watch enabled the server follows the store file and recovers when
another process changes it.`

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat HTTP server",
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	conv, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer conv.Close()

	if a.cfg.Store.Watch {
		go func() {
			if err := conv.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L.Error("store watcher stopped", "error", err)
			}
		}()
	}

	chat := agent.New(ctx, llm.NewClient(a.cfg.LLM), a.cfg.LLM, conv)

	serverAddr := fmt.Sprintf("%s:%s", a.cfg.Server.Host, a.cfg.Server.Port)
	srv := &http.Server{Addr: serverAddr, Handler: newMux(chat, conv)}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", serverAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type chatter interface {
	Process(ctx context.Context, request string) (string, error)
}

func newMux(chat chatter, conv *conversation.Manager) *http.ServeMux {
	mux := http.NewServeMux()

	// main inference endpoint
	mux.HandleFunc("POST /{$}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.L.Error("read body error", "err", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		logger.L.Info("inference request", "bytes", len(body))

		response, err := chat.Process(r.Context(), string(body))
		if errors.Is(err, history.ErrEmptyContent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			logger.L.Error("process error", "err", err)
			http.Error(w, "failed to process request", http.StatusInternalServerError)
			return
		}

		_, _ = w.Write([]byte(response))
	})

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		msgs := conv.Window()
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			if len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
		}
		writeJSON(w, http.StatusOK, msgs)
	})

	mux.HandleFunc("POST /reload", func(w http.ResponseWriter, r *http.Request) {
		report, err := conv.Reload(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"report": report, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /clear", func(w http.ResponseWriter, r *http.Request) {
		cleared, err := conv.Clear(r.Context())
		resp := map[string]any{"cleared": cleared}
		if err != nil {
			resp["backup_error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response error", "err", err)
	}
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve conversation tools over stdio (MCP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conv, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer conv.Close()
			return mcpserver.Serve(conv)
		},
	}
}
