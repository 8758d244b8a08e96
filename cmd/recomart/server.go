package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/recomart/recomart/internal/api"
	"github.com/recomart/recomart/internal/config"
	"github.com/recomart/recomart/internal/featurestore"
	"github.com/recomart/recomart/internal/model"
	"github.com/recomart/recomart/internal/warehouse"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the latest model over HTTP and MCP (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running recomart server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recomart system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "recomart.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "recomart version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Check if a server is already running on the configured port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("recomart is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("recomart is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Serving requires a trained model; absence is fatal.
	m, modelPath, err := model.LoadLatest(cfg.Storage.ModelsDir())
	if err != nil {
		return err
	}
	modelName := filepath.Base(modelPath)
	slog.Info("loaded model", "model", modelName, "items", len(m.Popularity))

	wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer func() {
		if err := wh.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing warehouse: %v\n", err)
		}
	}()

	registry, err := featurestore.LoadRegistry(cfg.Storage.RegistryPath)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Model:     m,
		ModelName: modelName,
		Warehouse: wh,
		Features:  featurestore.New(wh, registry),
		DefaultK:  cfg.Eval.K,
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewHandler(deps),
	}

	// Start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(deps)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "recomart listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("recomart is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop recomart (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to recomart (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Latest model artifact, if any.
	if path, err := model.LatestArtifact(cfg.Storage.ModelsDir()); err == nil {
		printStatus("Model", "%s", filepath.Base(path))
	} else {
		printStatus("Model", "none (run training first)")
	}

	// Warehouse row counts, if the warehouse exists.
	if _, err := os.Stat(filepath.Join(cfg.Storage.WarehouseDir(), "recomart.db")); err == nil {
		wh, err := warehouse.Open(cfg.Storage.WarehouseDir())
		if err == nil {
			defer wh.Close()
			for _, table := range []string{
				warehouse.TableDimItems,
				warehouse.TableFactInteractions,
				warehouse.TableFeaturesUser,
				warehouse.TableFeaturesItem,
				warehouse.TableCooccurrence,
			} {
				if n, err := wh.CountRows(table); err == nil {
					printStatus(table, "%d rows", n)
				}
			}
		}
	} else {
		printStatus("Warehouse", "not materialized")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
