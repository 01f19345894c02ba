// Command edge-node runs one eyeflow edge profile process: it loads
// configuration, wires the core components (secret resolver, audit chain,
// offline buffer, fallback engine, resource arbiter, IR executor, link
// session), starts the health-probe server, and keeps the link session
// reconnecting forever (spec §2 "Edge profile"). Grounded on the teacher's
// cmd/orchestrator/main.go and cmd/runner/main.go bootstrap-then-serve
// shape, adapted from HTTP-request handling to a persistent link loop.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/eyeflow/internal/arbiter"
	"github.com/lyzr/eyeflow/internal/audit"
	"github.com/lyzr/eyeflow/internal/config"
	"github.com/lyzr/eyeflow/internal/executor"
	"github.com/lyzr/eyeflow/internal/fallback"
	"github.com/lyzr/eyeflow/internal/health"
	"github.com/lyzr/eyeflow/internal/link"
	"github.com/lyzr/eyeflow/internal/logger"
	"github.com/lyzr/eyeflow/internal/offline"
	"github.com/lyzr/eyeflow/internal/secrets"
)

// capabilities enumerates the opcodes and dispatch formats this build
// supports, reported in the REGISTER frame (spec §4.5).
var capabilities = []string{
	"LOAD_RESOURCE", "STORE_MEMORY", "CALL_SERVICE", "CALL_ACTION", "CALL_MCP",
	"LLM_CALL", "TRANSFORM", "VALIDATE", "AGGREGATE", "FILTER", "BRANCH",
	"JUMP", "LOOP", "PARALLEL_SPAWN", "PARALLEL_MERGE", "RETURN",
	"format:HTTP", "format:CONNECTOR", "format:MCP", "format:LLM",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "eyeflow: config error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).WithNodeID(cfg.NodeID)
	log.Info("eyeflow edge node starting", "node_id", cfg.NodeID, "tier", cfg.NodeTier)

	signingKey, err := loadSigningKey(cfg.SigningKeyPath)
	if err != nil {
		log.Error("failed to load signing key, continuing without one", "error", err)
	}

	httpClient := &http.Client{}

	resolver := secrets.New(cfg.VaultAddr, cfg.VaultToken, cfg.VaultNamespace, 0, httpClient, log)
	arb := arbiter.New(log)
	fb := fallback.New(httpClient, cfg.CentralHTTPBase+"/v1/fallback/reasoning", cfg.CentralHTTPBase+"/v1/fallback/recompile", log)
	chain := audit.New(cfg.NodeID, signingKey, log)
	buffer := offline.New(cfg.OfflineBufferPath, cfg.OfflineBufferMaxSize, log)
	if err := buffer.Load(); err != nil {
		log.Error("failed to load persisted offline buffer", "error", err)
	}

	endpoints := executor.Endpoints{
		LLMURL:       cfg.CentralHTTPBase + "/v1/llm/invoke",
		ReasoningURL: cfg.CentralHTTPBase + "/v1/fallback/reasoning",
		RecompileURL: cfg.CentralHTTPBase + "/v1/fallback/recompile",
	}
	exec := executor.New(httpClient, arb, resolver, fb, endpoints, cfg.NodeID, log)

	healthState := health.New(cfg.NodeID, string(cfg.NodeTier))
	healthState.SetOfflineDepth(buffer.Len())
	metrics := health.NewMetrics()

	session := link.New(link.Config{
		NodeID:            cfg.NodeID,
		Tier:              string(cfg.NodeTier),
		LinkURL:           cfg.CentralLinkURL,
		AuthToken:         cfg.CentralAuthToken,
		CentralHTTPBase:   cfg.CentralHTTPBase,
		ReconnectInterval: cfg.ReconnectInterval,
		IRMajorVersion:    cfg.IRMajorVersion,
		Capabilities:      capabilities,
	}, exec, chain, buffer, healthState, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go session.Run(ctx)

	healthServer := health.NewServer(healthState, metrics)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		log.Info("health probe listening", "addr", addr)
		if err := healthServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error("health probe server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := buffer.Persist(); err != nil {
		log.Error("failed to persist offline buffer on shutdown", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = healthServer.Shutdown(shutdownCtx)
}

// loadSigningKey reads an Ed25519 private key from a PEM file (PKCS#8). A
// nil key with no error means "no key configured", in which case the audit
// chain generates an ephemeral one (spec §4.4 "Key handling").
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key file contains no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 signing key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not an Ed25519 key")
	}
	return edKey, nil
}
