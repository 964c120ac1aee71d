// Command funcalld is the funcall server.
//
// It holds the registry of callable tool functions, executes them in a
// sandboxed interpreter, hands unknown names to connected tool connectors,
// and serves the management and dispatch API.
//
// Usage:
//
//	# Start the server (configure via FUNCALL_* env vars or .env)
//	funcalld
//
//	# Generate API and connector keys for initial setup
//	funcalld setup
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kristerhedfors/funcall/internal/service"
	"github.com/kristerhedfors/funcall/pkg/auth"
	"github.com/kristerhedfors/funcall/pkg/logutil"
)

func main() {
	// Load .env if present (silently ignore if missing).
	// Environment variables already set take precedence over .env values.
	_ = godotenv.Load()

	cfg := service.LoadConfig()
	logger := logutil.New(logutil.ParseLevel(cfg.LogLevel))

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			writeEnv := false
			for _, arg := range os.Args[2:] {
				if arg == "--write-env" {
					writeEnv = true
				}
			}
			runSetup(writeEnv)
			return
		case "version":
			fmt.Println("funcalld v0.1.0")
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := service.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("server initialization failed", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// runSetup generates the API and connector keys and prints the required
// environment variables. Plaintext keys are shown once; only the hashes are
// stored.
func runSetup(writeEnv bool) {
	if writeEnv {
		if _, err := os.Stat(".env"); err == nil {
			fmt.Fprintln(os.Stderr, "Error: .env already exists. Remove it first or run setup without --write-env.")
			os.Exit(1)
		}
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating API key: %v\n", err)
		os.Exit(1)
	}
	connectorKey, err := auth.GenerateConnectorKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating connector key: %v\n", err)
		os.Exit(1)
	}

	env := fmt.Sprintf("FUNCALL_API_KEY_HASH='%s'\nFUNCALL_CONNECTOR_KEY_HASH='%s'\n",
		apiKey.Hash, connectorKey.Hash)

	fmt.Println("# funcalld setup")
	fmt.Println("#")
	fmt.Println("# SAVE THESE KEYS NOW — they will NOT be shown again.")
	fmt.Println("#")
	fmt.Println("# API key (give to API callers):")
	fmt.Printf("#   %s\n", apiKey.Key)
	fmt.Println("#")
	fmt.Println("# Connector key (give to tool connectors):")
	fmt.Printf("#   %s\n", connectorKey.Key)
	fmt.Println("#")

	if writeEnv {
		if err := os.WriteFile(".env", []byte(env), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing .env: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("# Hashes written to .env")
		return
	}

	fmt.Println("# Set these environment variables before starting funcalld:")
	fmt.Println()
	fmt.Print(env)
}

func printHelp() {
	fmt.Println(`funcalld - tool function registry and sandboxed executor

Usage:
  funcalld              Start the server
  funcalld setup        Generate API and connector keys
  funcalld setup --write-env
                        Generate keys and write hashes to .env
  funcalld version      Print the version
  funcalld help         Show this help

Configuration (environment variables, or .env in the working directory):
  FUNCALL_PORT                   Listen port (default 8080)
  FUNCALL_HOST                   Bind address (default 0.0.0.0)
  FUNCALL_REDIS_URL              Redis URL for persistence (default: in-memory)
  FUNCALL_KV_PREFIX              Redis key prefix (default funcall:)
  FUNCALL_API_KEY_HASH           Argon2id hash of the API key
  FUNCALL_CONNECTOR_KEY_HASH     Argon2id hash of the connector key
  FUNCALL_EXEC_TIMEOUT           Per-execution bound (default 30s)
  FUNCALL_FETCH_MAX_BYTES        Sandbox fetch body cap (default 2 MiB)
  FUNCALL_CONNECTOR_JOB_TIMEOUT  Wait for connector answers (default 60s)
  FUNCALL_LOG_LEVEL              debug, info, warn, error (default info)`)
}
