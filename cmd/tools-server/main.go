// The tools-server exposes the pharmacy reporting capabilities as an MCP
// server over websocket, so other agents can query the same data the voice
// assistant uses.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pharmacy-voice-lab/internal/config"
	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/store"
	"github.com/pharmacy-voice-lab/internal/tools"
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg := config.LoadTools()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	querier, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatalw("store unavailable", "err", err)
	}
	defer cleanup()

	registry := tools.NewRegistry(true)
	if err := tools.NewReports(querier, nil).RegisterAll(registry); err != nil {
		logging.Fatalw("tool registration failed", "err", err)
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "pharmacy-tools", Version: "v1.0.0"}, nil)
	for _, c := range registry.Declarations() {
		if err := addCapability(server, registry, c); err != nil {
			logging.Fatalw("tool export failed", "tool", c.Name, "err", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/mcp/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warnw("ws upgrade failed", "err", err)
			return
		}
		go serveSession(ctx, server, ws)
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logging.Infow("tools server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalw("tools server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logging.Infow("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warnw("shutdown", "err", err)
	}
}

// serveSession binds one websocket to the MCP server and waits it out.
func serveSession(ctx context.Context, server *mcp.Server, ws *websocket.Conn) {
	sessionID := uuid.NewString()
	conn, err := server.Connect(ctx, newWSTransport(ws, sessionID), nil)
	if err != nil {
		logging.Warnw("mcp connect failed", "session_id", sessionID, "err", err)
		ws.Close()
		return
	}
	logging.Infow("mcp session open", "session_id", sessionID)
	if err := conn.Wait(); err != nil {
		logging.Warnw("mcp session ended", "session_id", sessionID, "err", err)
		return
	}
	logging.Infow("mcp session ended", "session_id", sessionID)
}

// addCapability exports one registry capability as an MCP tool, carrying its
// declared parameter schema through to the tool listing.
func addCapability(server *mcp.Server, registry *tools.Registry, c tools.Capability) error {
	schema, err := schemaFrom(c.Parameters)
	if err != nil {
		return err
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        c.Name,
		Description: c.Description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		res, err := registry.Dispatch(ctx, tools.Call{ID: uuid.NewString(), Name: c.Name, Args: args})
		if err != nil {
			return nil, nil, err
		}
		return nil, res.Payload["result"], nil
	})
	return nil
}

func schemaFrom(params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	schema := new(jsonschema.Schema)
	if err := json.Unmarshal(raw, schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func openStore(ctx context.Context, cfg config.ToolsConfig) (store.Querier, func(), error) {
	if cfg.DatabaseURL == "" {
		logging.Infow("using in-memory store")
		return store.NewMemStore(), func() {}, nil
	}
	pg, err := store.OpenPG(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logging.Infow("connected to postgres")
	return pg, pg.Close, nil
}
