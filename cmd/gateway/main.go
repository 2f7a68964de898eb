// Command gateway is the composition root: it wires the store, auth
// manager, event bus, request log, and upstream registry together, mounts
// the REST control surface and the Streamable-HTTP proxy endpoint, and
// serves until told to stop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/rs/cors"

	"github.com/mcpbridge/gateway/pkg/gwauth"
	"github.com/mcpbridge/gateway/pkg/gwcore"
	"github.com/mcpbridge/gateway/pkg/gwevents"
	"github.com/mcpbridge/gateway/pkg/gwlog"
	"github.com/mcpbridge/gateway/pkg/gwproxy"
	"github.com/mcpbridge/gateway/pkg/gwstore"
	"github.com/mcpbridge/gateway/pkg/gwtypes"
)

const (
	implName    = "mcpbridge-gateway"
	implVersion = "0.1.0"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := loadEnvConfig()

	dataDir := cfg.dataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	store, err := gwstore.Load(filepath.Join(dataDir, "gateway.json"), logger)
	if err != nil {
		return err
	}

	bus := gwevents.New(logger)
	reqlog := gwlog.New(0)

	onAuthRedirect := func(serverID, authURL string) {
		logger.Info("oauth authorization required", "server", serverID, "url", authURL)
		bus.Publish(oauthRequiredEvent(serverID, authURL))
	}
	authMgr := gwauth.NewManager(store, cfg.baseURL, onAuthRedirect, logger)

	gw := gwcore.New(store, authMgr, bus, logger)
	proxy := gwproxy.NewProxyServer(gw, bus, reqlog, implName, implVersion, logger)
	defer proxy.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Initialize(ctx); err != nil {
		return err
	}

	api := newAPI(gw, authMgr, bus, reqlog, cfg.baseURL)
	mux := http.NewServeMux()
	api.register(mux)
	mux.Handle(cfg.mcpPath, proxy.Handler())

	handler := wrapAuth(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	}).Handler(mux), cfg)

	srv := &http.Server{
		Addr:    cfg.host + ":" + cfg.port,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", srv.Addr, "mcpPath", cfg.mcpPath)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = gw.Shutdown(shutdownCtx)
		_ = store.Close()
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type envConfig struct {
	host    string
	port    string
	baseURL string
	dataDir string
	mcpPath string

	bearerToken         string
	resourceMetadataURL string
	authorizationServer string
}

func loadEnvConfig() envConfig {
	c := envConfig{
		host:    getenv("HOST", "0.0.0.0"),
		port:    getenv("PORT", "8080"),
		dataDir: getenv("DATA_DIR", "./data"),
		mcpPath: getenv("MCP_PATH", "/mcp"),
	}
	c.baseURL = getenv("GATEWAY_BASE_URL", "http://"+c.host+":"+c.port)
	c.bearerToken = os.Getenv("GATEWAY_BEARER_TOKEN")
	c.resourceMetadataURL = getenv("OAUTH_RESOURCE_METADATA_URL", c.baseURL+"/.well-known/oauth-protected-resource")
	c.authorizationServer = os.Getenv("AUTHORIZATION_SERVER_URL")
	return c
}

func oauthRequiredEvent(serverID, authURL string) gwtypes.Event {
	return gwtypes.Event{
		Topic:   gwtypes.EventOAuthRequired,
		Payload: gwtypes.OAuthRequiredPayload{ServerID: serverID, AuthURL: authURL},
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// wrapAuth optionally guards the whole mux behind bearer-token
// verification, grounded on the RequireBearerToken middleware shape rather
// than the teacher's own gateway package, which never exposed this hook
// under its current Options.
func wrapAuth(next http.Handler, cfg envConfig) http.Handler {
	if cfg.bearerToken == "" {
		return next
	}
	verifier := func(_ context.Context, token string, _ *http.Request) (*mcpauth.TokenInfo, error) {
		if token != cfg.bearerToken {
			return nil, errors.New("invalid bearer token")
		}
		return &mcpauth.TokenInfo{Expiration: time.Now().Add(24 * time.Hour)}, nil
	}
	protected := mcpauth.RequireBearerToken(verifier, &mcpauth.RequireBearerTokenOptions{
		ResourceMetadataURL: cfg.resourceMetadataURL,
	})(next)

	mux := http.NewServeMux()
	meta := mcpauth.ProtectedResourceMetadata{
		Resource:             cfg.baseURL,
		AuthorizationServers: []string{cfg.authorizationServer},
	}
	mux.Handle("/.well-known/oauth-protected-resource", mcpauth.ProtectedResourceMetadataHandler(meta))
	mux.Handle("/", protected)
	return mux
}
