// Package main is the Shoko CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shoko/internal/config"
	"github.com/hyperjump/shoko/internal/coverage"
	"github.com/hyperjump/shoko/internal/fulltext"
	"github.com/hyperjump/shoko/internal/ingest"
	"github.com/hyperjump/shoko/internal/models"
	"github.com/hyperjump/shoko/internal/retrieval"
	"github.com/hyperjump/shoko/internal/server"
	"github.com/hyperjump/shoko/internal/spool"
	"github.com/hyperjump/shoko/internal/unitstore"
	"github.com/hyperjump/shoko/internal/vector"
	"github.com/hyperjump/shoko/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/shoko/config.yaml"
	defaultServerURL  = "http://localhost:8090"
)

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used. Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "query":
		runQuery()
	case "resume":
		runResume()
	case "outline":
		runOutline()
	case "coverage":
		runCoverage()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("shoko version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	spoolCtx, spoolCancel := context.WithCancel(context.Background())
	defer spoolCancel()
	var spoolSvc *spool.Watcher
	if cfg.Spool.Directory != "" {
		spoolSvc = spool.NewWatcher(cfg.Spool.Directory, components.Pipeline, logger)
		if err := spoolSvc.Start(spoolCtx); err != nil {
			logger.Fatal("Failed to start spool watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(
		components.Pipeline,
		components.Engine,
		components.Store,
		components.Ledger,
		components.Vectors,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if spoolSvc != nil {
		spoolSvc.Stop()
	}
	if components.Vectors != nil && cfg.Storage.VectorIndexPath != "" {
		if err := components.Vectors.Save(cfg.Storage.VectorIndexPath); err != nil {
			logger.Warn("vector index save failed", zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage when server is not running)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: shoko ingest [flags] <parsed-document.json>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
		os.Exit(1)
	}
	var parsed models.ParsedDocument
	if err := json.Unmarshal(data, &parsed); err != nil {
		fmt.Fprintf(os.Stderr, "Not a parsed document: %v\n", err)
		os.Exit(1)
	}
	if parsed.Name == "" {
		parsed.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	if *serverURL != "" {
		var doc models.Document
		if err := postJSON(*serverURL+"/api/v1/documents", &parsed, &doc); err != nil {
			fmt.Fprintf(os.Stderr, "Ingestion failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Ingested %s: %d pages, state %s\n", doc.DocID, doc.PageCount, doc.State)
		return
	}

	components, logger, err := directComponents(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	defer components.Close()

	src, err := ingest.NewJSONSource(&parsed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rejected: %v\n", err)
		os.Exit(1)
	}
	doc, err := components.Pipeline.Ingest(context.Background(), src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingestion failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Ingested %s: %d pages, state %s\n", doc.DocID, doc.PageCount, doc.State)
}

func runQuery() {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage)")
	topK := fs.Int("top-k", 0, "number of citations (0 = server default)")
	modalities := fs.String("modalities", "", "comma-separated modality filter (text,table,figure)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 2 {
		fmt.Println("Usage: shoko query [flags] <doc-id> <terms...>")
		os.Exit(1)
	}
	docID := fs.Arg(0)
	plan := &models.QueryPlan{
		Terms: fs.Args()[1:],
		TopK:  *topK,
	}
	if *modalities != "" {
		for _, m := range strings.Split(*modalities, ",") {
			plan.Modalities = append(plan.Modalities, models.Modality(strings.TrimSpace(m)))
		}
	}

	var response models.RetrieveResponse
	if *serverURL != "" {
		if err := postJSON(*serverURL+"/api/v1/documents/"+docID+"/retrieve", plan, &response); err != nil {
			fmt.Fprintf(os.Stderr, "Retrieval failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger, err := directComponents(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		defer components.Close()
		res, err := components.Engine.Retrieve(context.Background(), docID, plan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Retrieval failed: %v\n", err)
			os.Exit(1)
		}
		response = *res
	}

	if *outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(&response)
		return
	}
	if len(response.Citations) == 0 {
		fmt.Println("No citations.")
		return
	}
	for _, c := range response.Citations {
		section := strings.Join(c.SectionPath, " > ")
		if section == "" {
			section = "(no section)"
		}
		fmt.Printf("%2d. [%s] %s  score=%.3f\n", c.Rank, c.Modality, c.UnitID, c.Score)
		fmt.Printf("    %s\n", section)
		if c.Snippet != "" {
			fmt.Printf("    %s\n", c.Snippet)
		}
	}
}

func runResume() {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: shoko resume [flags] <doc-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	var doc models.Document
	if *serverURL != "" {
		if err := postJSON(*serverURL+"/api/v1/documents/"+docID+"/resume", struct{}{}, &doc); err != nil {
			fmt.Fprintf(os.Stderr, "Resume failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger, err := directComponents(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		defer components.Close()
		res, err := components.Pipeline.Resume(context.Background(), docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Resume failed: %v\n", err)
			os.Exit(1)
		}
		doc = *res
	}
	fmt.Printf("Document %s: state %s\n", doc.DocID, doc.State)
}

func runOutline() {
	fs := flag.NewFlagSet("outline", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage)")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: shoko outline [flags] <doc-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	var sections []*models.SectionNode
	if *serverURL != "" {
		var out struct {
			Sections []*models.SectionNode `json:"sections"`
		}
		if err := getJSON(*serverURL+"/api/v1/documents/"+docID+"/outline", &out); err != nil {
			fmt.Fprintf(os.Stderr, "Outline failed: %v\n", err)
			os.Exit(1)
		}
		sections = out.Sections
	} else {
		components, logger, err := directComponents(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		defer components.Close()
		sections, err = components.Store.Outline(context.Background(), docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Outline failed: %v\n", err)
			os.Exit(1)
		}
	}
	if len(sections) == 0 {
		fmt.Println("No sections.")
		return
	}
	printOutline(sections, 0)
}

func printOutline(nodes []*models.SectionNode, depth int) {
	for _, n := range nodes {
		fmt.Printf("%s%s\n", strings.Repeat("  ", depth), n.Title)
		printOutline(n.Children, depth+1)
	}
}

func runCoverage() {
	fs := flag.NewFlagSet("coverage", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: shoko coverage [flags] <doc-id>")
		os.Exit(1)
	}
	docID := fs.Arg(0)

	var report models.CoverageReport
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/documents/"+docID+"/coverage", &report); err != nil {
			fmt.Fprintf(os.Stderr, "Coverage failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		components, logger, err := directComponents(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
		defer components.Close()
		res, err := components.Ledger.Report(context.Background(), docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Coverage failed: %v\n", err)
			os.Exit(1)
		}
		report = *res
	}

	if *outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(&report)
		return
	}
	fmt.Printf("Coverage for %s\n", report.DocID)
	fmt.Printf("  Sections covered: %.1f%%\n", report.PercentSectionsCovered)
	fmt.Printf("  Tables cited:     %d\n", report.TablesCited)
	fmt.Printf("  Figures cited:    %d\n", report.FiguresCited)
	if len(report.UncitedPages) > 0 {
		fmt.Printf("  Uncited pages:    %v\n", report.UncitedPages)
	} else {
		fmt.Println("  Uncited pages:    none")
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = direct storage)")
	_ = fs.Parse(os.Args[2:])

	if *serverURL != "" {
		var status map[string]interface{}
		if err := getJSON(*serverURL+"/api/v1/status", &status); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}

	components, logger, err := directComponents(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	docCount, err := components.Store.CountDocuments(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Count documents failed: %v\n", err)
		os.Exit(1)
	}
	unitCount, err := components.Store.CountUnits(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Count units failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Documents: %d\n", docCount)
	fmt.Printf("Units:     %d\n", unitCount)
	if components.Vectors != nil {
		fmt.Printf("Vectors:   %d\n", components.Vectors.Size())
	}
}

func postJSON(url string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Components holds initialized services.
type Components struct {
	Store    *unitstore.Store
	FullText fulltext.Index
	Vectors  vector.Index
	Ledger   *coverage.Ledger
	Pipeline *ingest.Pipeline
	Engine   *retrieval.Engine
}

func (c *Components) Close() {
	if c.FullText != nil {
		_ = c.FullText.Close()
	}
	if c.Vectors != nil {
		_ = c.Vectors.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func directComponents(configPath string) (*Components, *zap.Logger, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return components, logger, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := unitstore.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open unit store: %w", err)
	}

	ft, err := fulltext.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open full-text index: %w", err)
	}

	var vectors vector.Index
	if cfg.Semantic.EnabledOrDefault() {
		mem, err := vector.NewMemoryIndex(cfg.Semantic.Dimensions)
		if err != nil {
			_ = ft.Close()
			_ = store.Close()
			return nil, fmt.Errorf("failed to create vector index: %w", err)
		}
		if cfg.Storage.VectorIndexPath != "" {
			if loadErr := mem.Load(cfg.Storage.VectorIndexPath); loadErr != nil && !os.IsNotExist(loadErr) {
				logger.Warn("vector index load skipped",
					zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(loadErr))
			}
		}
		vectors = mem
	}

	ledger := coverage.NewLedger(store)
	pipeline := ingest.NewPipeline(store, ft, vectors, cfg.Storage.VectorIndexPath, &cfg.Ingest, logger)
	engine := retrieval.NewEngine(store, ft, vectors, ledger, &cfg.Retrieval, logger)

	return &Components{
		Store:    store,
		FullText: ft,
		Vectors:  vectors,
		Ledger:   ledger,
		Pipeline: pipeline,
		Engine:   engine,
	}, nil
}

func printUsage() {
	fmt.Println(`shoko - Document evidence workspace

Usage:
  shoko server [flags]                  Start the HTTP server
  shoko ingest [flags] <file.json>      Ingest a parsed document
  shoko query [flags] <doc-id> <terms>  Retrieve cited evidence for a query
  shoko resume [flags] <doc-id>         Resume indexing for a stuck document
  shoko outline [flags] <doc-id>        Show the section outline
  shoko coverage [flags] <doc-id>       Show the citation coverage report
  shoko status [flags]                  Show workspace status
  shoko version                         Show version
  shoko help                            Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/shoko/config.yaml)
  --debug            Enable debug logging

Query Flags:
  --config string      Config file path (for direct storage mode)
  --server string      Server URL (default: http://localhost:8090). Use empty (--server "") for direct storage.
  --top-k int          Number of citations (0 = server default)
  --modalities string  Comma-separated modality filter: text,table,figure
  --output string      Output format: text or json (default: text)

Examples:
  shoko server
  shoko ingest warranty-handbook.json
  shoko query doc-4f3a2b1c warranty claim window
  shoko query --modalities table doc-4f3a2b1c coverage limits
  shoko outline doc-4f3a2b1c
  shoko coverage doc-4f3a2b1c
  shoko status`)
}
