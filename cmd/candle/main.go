package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhir-candle/candle/internal/config"
	"github.com/fhir-candle/candle/internal/server"
	"github.com/fhir-candle/candle/internal/tenant"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "candle",
		Short: "In-memory FHIR server for development and testing",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loadCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := buildLogger(cfg)

	coord, err := buildCoordinator(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build tenants")
	}
	defer coord.Shutdown()

	if cfg.LoadDir != "" {
		t, err := coord.Get(cfg.DefaultTenant)
		if err != nil {
			return err
		}
		if err := loadDirectory(t, cfg.LoadDir, logger); err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.LoadDir).Msg("initial load failed")
		}
	}

	srv := server.New(*cfg, coord, logger)

	go func() {
		logger.Info().Str("port", cfg.Port).Strs("tenants", coord.Names()).Msg("server starting")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildCoordinator creates one isolated tenant per configured name, all
// sharing the process-level tenant settings.
func buildCoordinator(cfg *config.Config, logger zerolog.Logger) (*tenant.Coordinator, error) {
	coord := tenant.NewCoordinator(logger)
	for _, name := range cfg.Tenants {
		_, err := coord.Add(tenant.Config{
			Name:                   name,
			FHIRVersion:            cfg.FHIRVersion,
			AllowClientIDs:         cfg.AllowClientIDs,
			CreateAsUpdate:         cfg.CreateAsUpdate,
			MaxResourceCount:       cfg.MaxResourceCount,
			MaxSubscriptionMinutes: cfg.MaxSubscriptionMinutes,
			PageSize:               cfg.PageSize,
			MaxPageSize:            cfg.MaxPageSize,
		})
		if err != nil {
			coord.Shutdown()
			return nil, fmt.Errorf("tenant %s: %w", name, err)
		}
	}
	return coord, nil
}

// loadDirectory ingests every .json file in dir into the tenant, in
// name order so numbered fixture sets apply predictably. Bundles load
// as bundles; single resources upsert.
func loadDirectory(t *tenant.Tenant, dir string, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		var tree map[string]interface{}
		if err := json.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		var results []tenant.EntryResult
		if tree["resourceType"] == "Bundle" {
			results, err = t.LoadBundle(tree)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		} else {
			results = t.LoadResources([]map[string]interface{}{tree})
		}

		loaded, failed := 0, 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				logger.Warn().Str("file", name).Err(r.Err).Msg("entry failed to load")
			} else {
				loaded++
			}
		}
		logger.Info().Str("file", name).Int("loaded", loaded).Int("failed", failed).Msg("fixtures loaded")
	}
	return nil
}

// ---------------------------------------------------------------------------
// load command
// ---------------------------------------------------------------------------

func loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [files or directories]",
		Short: "Push resource files into a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			tenantName, _ := cmd.Flags().GetString("tenant")
			return runLoad(url, tenantName, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("url", "http://localhost:8100", "Base URL of the running server")
	cmd.Flags().String("tenant", "default", "Target tenant")
	return cmd
}

func runLoad(baseURL, tenantName string, paths []string, out io.Writer) error {
	client := &http.Client{Timeout: 30 * time.Second}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
					files = append(files, filepath.Join(p, e.Name()))
				}
			}
		} else {
			files = append(files, p)
		}
	}
	sort.Strings(files)

	for _, file := range files {
		if err := pushFile(client, baseURL, tenantName, file, out); err != nil {
			return err
		}
	}
	return nil
}

// pushFile sends one file: bundles to the tenant root, single resources
// as an update when they carry an id and a create otherwise.
func pushFile(client *http.Client, baseURL, tenantName, file string, out io.Writer) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	resourceType, _ := tree["resourceType"].(string)
	if resourceType == "" {
		return fmt.Errorf("%s: missing resourceType", file)
	}

	method := http.MethodPost
	target := strings.TrimRight(baseURL, "/") + "/" + tenantName
	switch {
	case resourceType == "Bundle":
	case tree["id"] != nil:
		method = http.MethodPut
		target += fmt.Sprintf("/%s/%v", resourceType, tree["id"])
	default:
		target += "/" + resourceType
	}

	req, err := http.NewRequest(method, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	fmt.Fprintf(out, "%s %s -> %s\n", method, filepath.Base(file), resp.Status)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: server returned %s", file, resp.Status)
	}
	return nil
}
