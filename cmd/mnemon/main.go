// Mnemon is a chat assistant with a long-term semantic memory.
//
// It remembers facts it is told, answers questions grounded in what it
// remembers, forgets on request and runs shell commands after explicit
// confirmation. Conversations arrive over Signal, MQTT or a WebSocket.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mnemon serve                 Start the transports and HTTP server
//	mnemon init [dir]            Write an example config.yaml
//	mnemon memories              List every stored fact
//	mnemon forget <id>           Delete one fact by id
//	mnemon ingest <file.md>      Store each paragraph of a document as a fact
//	mnemon drop-collection       Delete the whole vector collection
//	mnemon version               Print version and build information
//	mnemon -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/mnemon/internal/api"
	"github.com/nugget/mnemon/internal/buildinfo"
	"github.com/nugget/mnemon/internal/config"
	"github.com/nugget/mnemon/internal/conversation"
	"github.com/nugget/mnemon/internal/embeddings"
	"github.com/nugget/mnemon/internal/ingest"
	"github.com/nugget/mnemon/internal/intent"
	"github.com/nugget/mnemon/internal/llm"
	"github.com/nugget/mnemon/internal/memory"
	"github.com/nugget/mnemon/internal/metrics"
	"github.com/nugget/mnemon/internal/mqtt"
	"github.com/nugget/mnemon/internal/session"
	"github.com/nugget/mnemon/internal/shell"
	signalcli "github.com/nugget/mnemon/internal/signal"
	"github.com/nugget/mnemon/internal/vectorstore"
)

// drainTimeout bounds how long queued turns may keep running after a
// shutdown signal.
const drainTimeout = 30 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; the caller prints the
// returned error to stderr. Arguments are parsed by hand so run has no
// package-level flag state and can be called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve", "run":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "memories":
		return runMemories(ctx, stdout, configPath, outputFmt)
	case "forget":
		if len(cmdArgs) == 0 {
			return errors.New("usage: mnemon forget <id>")
		}
		return runForget(ctx, stdout, configPath, cmdArgs[0])
	case "ingest":
		if len(cmdArgs) == 0 {
			return errors.New("usage: mnemon ingest <file.md>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "drop-collection":
		return runDropCollection(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mnemon - chat assistant with a semantic memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mnemon [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the chat transports and HTTP server")
	fmt.Fprintln(w, "  init [dir]       Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  memories         List every stored fact")
	fmt.Fprintln(w, "  forget <id>      Delete the fact with the given id")
	fmt.Fprintln(w, "  ingest <file.md> Store each paragraph and list item as a fact")
	fmt.Fprintln(w, "  drop-collection  Delete the vector collection and all facts")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe is the primary operating mode. It builds the memory store,
// oracle and state machine, starts every enabled transport and the HTTP
// server, then blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels ctx and the HTTP server stops accepting
//  2. the dispatcher drains queued turns for up to drainTimeout
//  3. transports are stopped, so drained replies can still be sent
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, closeLog := newLogger(stdout, cfg)
	defer closeLog()

	logger.Info("starting Mnemon", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"completion", cfg.Completion.Provider+"/"+cfg.Completion.Model,
		"embeddings", cfg.Embeddings.Provider+"/"+cfg.Embeddings.Model,
		"vectorstore", cfg.VectorStore.Provider,
	)

	secret, err := conversation.NewSecret(cfg.Password, cfg.PasswordHash)
	if err != nil {
		return err
	}

	store, closeStore, err := openMemory(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := bootstrapMemory(ctx, store, logger); err != nil {
		return err
	}

	completion, err := llm.New(cfg.Completion, logger)
	if err != nil {
		return err
	}

	m := metrics.New()

	machine := conversation.New(conversation.Deps{
		Secret:   secret,
		Oracle:   intent.NewClassifier(completion, logger),
		LLM:      completion,
		Memory:   store,
		Runner:   shell.New(cfg.Shell.WorkingDir, cfg.Shell.Timeout()),
		Observer: m,
		Logger:   logger,
	})

	dispatcher := session.New(session.Config{
		Processor:   machine,
		TurnTimeout: cfg.TurnTimeout(),
		Recorder:    m,
		Logger:      logger,
	})

	// Transports outlive the signal context so turns drained during
	// shutdown can still deliver their replies.
	transportCtx, stopTransports := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTransports()

	var wsDispatcher api.Dispatcher
	if cfg.WebSocket.Enabled {
		wsDispatcher = dispatcher
	}
	server := api.NewServer(api.Config{
		Address:    cfg.Listen.Address,
		Port:       cfg.Listen.Port,
		Metrics:    m.Handler(),
		Dispatcher: wsDispatcher,
		Logger:     logger,
	})
	server.AddCheck("vectorstore", store.Health)

	var signalClient *signalcli.Client
	if cfg.Signal.Enabled {
		signalClient = signalcli.NewClient(cfg.Signal, logger)
		if err := signalClient.Start(transportCtx); err != nil {
			return fmt.Errorf("start signal: %w", err)
		}
		bridge := signalcli.NewBridge(signalcli.BridgeConfig{
			Client:     signalClient,
			Dispatcher: dispatcher,
			Logger:     logger,
			RateLimit:  cfg.Signal.RateLimit,
		})
		go bridge.Start(transportCtx)
		server.AddCheck("signal", signalClient.Ping)
		logger.Info("signal transport enabled", "account", signalClient.Account())
	} else {
		logger.Info("signal transport disabled")
	}

	var mqttTransport *mqtt.Transport
	if cfg.MQTT.Enabled {
		mqttTransport = mqtt.New(cfg.MQTT, dispatcher, logger)
		go func() {
			if err := mqttTransport.Start(transportCtx); err != nil {
				logger.Error("mqtt transport failed", "error", err)
			}
		}()
		server.AddCheck("mqtt", mqttTransport.AwaitConnection)
		logger.Info("mqtt transport enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt transport disabled")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer shutdownCancel()

		_ = server.Shutdown(shutdownCtx)
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("turns still running at shutdown were cancelled", "error", err)
		}

		if mqttTransport != nil {
			if err := mqttTransport.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		stopTransports()
		if signalClient != nil {
			_ = signalClient.Close()
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		<-shutdownDone
		return fmt.Errorf("server failed: %w", err)
	}

	<-shutdownDone
	logger.Info("Mnemon stopped")
	return nil
}

// runMemories prints every stored fact, one per line, in id order.
func runMemories(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	store, done, err := openForCLI(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer done()

	docs, err := store.Enumerate(ctx)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		if docs == nil {
			docs = []memory.Document{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)
	}
	for _, d := range docs {
		fmt.Fprintf(stdout, "%d\t%s\n", d.ID, d.Text)
	}
	return nil
}

// runForget deletes one fact. Deleting an id that does not exist is
// not an error.
func runForget(ctx context.Context, stdout io.Writer, configPath, rawID string) error {
	id, err := strconv.ParseInt(rawID, 10, 32)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid memory id %q", rawID)
	}

	store, done, err := openForCLI(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer done()

	if err := store.Delete(ctx, int32(id)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Forgot memory %d\n", id)
	return nil
}

// runIngest stores each paragraph and list item of a Markdown file as
// a separate fact.
func runIngest(ctx context.Context, stdout io.Writer, configPath, filePath string) error {
	store, done, err := openForCLI(ctx, stdout, configPath)
	if err != nil {
		return err
	}
	defer done()

	count, err := ingest.NewMarkdownIngester(store, nil).IngestFile(ctx, filePath)
	if err != nil {
		return fmt.Errorf("ingestion failed after %d facts: %w", count, err)
	}
	fmt.Fprintf(stdout, "Successfully ingested %d facts from %s\n", count, filePath)
	return nil
}

// runDropCollection deletes the collection. It is needed before
// switching to an embedding model with a different dimensionality.
func runDropCollection(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(stdout, cfg)
	defer closeLog()

	store, closeStore, err := openMemory(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DropCollection(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Dropped collection %s\n", cfg.VectorStore.Collection)
	return nil
}

// openForCLI loads the config and opens a memory store whose collection
// is guaranteed to exist.
func openForCLI(ctx context.Context, stdout io.Writer, configPath string) (*memory.Store, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog := newLogger(stdout, cfg)

	store, closeStore, err := openMemory(cfg, logger)
	if err != nil {
		closeLog()
		return nil, nil, err
	}
	done := func() {
		closeStore()
		closeLog()
	}
	if _, err := store.EnsureCollection(ctx); err != nil {
		done()
		return nil, nil, err
	}
	return store, done, nil
}

// openMemory builds the memory store from the embeddings and vector
// store configuration. The returned func releases the backend.
func openMemory(cfg *config.Config, logger *slog.Logger) (*memory.Store, func(), error) {
	embedder, err := embeddings.New(cfg.Embeddings, logger)
	if err != nil {
		return nil, nil, err
	}

	index, err := vectorstore.New(cfg.VectorStore)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}
	closeIndex := func() {
		if c, ok := index.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("close vector store failed", "error", err)
			}
		}
	}

	return memory.NewStore(index, embedder, cfg.Embeddings.Dimensions, logger), closeIndex, nil
}

// bootstrapMemory creates the collection if needed and logs how many
// facts are already stored.
func bootstrapMemory(ctx context.Context, store *memory.Store, logger *slog.Logger) error {
	created, err := store.EnsureCollection(ctx)
	if err != nil {
		return err
	}
	if created {
		logger.Info("created memory collection")
	}

	docs, err := store.Enumerate(ctx)
	if err != nil {
		return err
	}
	logger.Info("memory loaded", "facts", len(docs))
	for _, d := range docs {
		logger.Debug("stored fact", "id", d.ID, "text", d.Text)
	}
	return nil
}

// newLogger builds the structured logger described by cfg. When
// log_file is set, output is also written to a rotated file. The
// returned func closes the file.
func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, func()) {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)

	closeFn := func() {}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		w = io.MultiWriter(w, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closeFn
}

// loadConfig locates, parses and validates the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}

	return cfg, cfgPath, nil
}
