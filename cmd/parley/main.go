// ABOUTME: Entry point for the parley dialogue coordinator
// ABOUTME: Wires the store, event bus, coordinator and agents together

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/parley/internal/bus"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/dialogue"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _
 _ __   __ _ _ __| | ___ _   _
| '_ \ / _' | '__| |/ _ \ | | |
| |_) | (_| | |  | |  __/ |_| |
| .__/ \__,_|_|  |_|\___|\__, |
|_|                      |___/
`

// getConfigPath returns the path to the config file.
// Priority: PARLEY_CONFIG env var > XDG_CONFIG_HOME/parley/parley.yaml > ~/.config/parley/parley.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PARLEY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parley.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "parley", "parley.yaml")
}

// getPersonasPath returns the path to the personas file.
// Priority: PARLEY_PERSONAS env var > alongside the config file
func getPersonasPath() string {
	if envPath := os.Getenv("PARLEY_PERSONAS"); envPath != "" {
		return envPath
	}
	return filepath.Join(filepath.Dir(getConfigPath()), "personas.toml")
}

// getDataPath returns the path to the parley data directory.
// Priority: XDG_DATA_HOME/parley > ~/.local/share/parley
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "parley")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: parley <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                 Start the dialogue coordinator")
		fmt.Println("  init                  Create a new config file interactively")
		fmt.Println("  db show-structure     Print tables, schema and row counts")
		fmt.Println("  db wipe-data          Delete all rows, keep the schema")
		fmt.Println("  db wipe-structure     Drop all tables and recreate them empty")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "db":
		err = runDB(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()
	personasPath := getPersonasPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	personas, err := loadPersonas(personasPath)
	if err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Personas:    %s\n", personasPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:    %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Application: ")
	cyan.Print(personas.Session.Application)
	gray.Printf(" (save %s)\n", personas.Session.Save)

	fmt.Println()

	logger.Info("starting parley",
		"config", configPath,
		"database", cfg.Database.Path,
		"application", personas.Session.Application,
		"save", personas.Session.Save,
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	sess := session.New(s)
	if _, err := sess.SetApplication(ctx, personas.Session.Application, personas.Session.Category); err != nil {
		return fmt.Errorf("selecting application: %w", err)
	}
	if _, err := sess.SetSave(ctx, personas.Session.Save, nil); err != nil {
		return fmt.Errorf("selecting save: %w", err)
	}

	b := bus.New(bus.Options{
		Workers:   cfg.Bus.Workers,
		QueueSize: cfg.Bus.QueueSize,
		Logger:    logger.With("component", "bus"),
	})
	defer b.Shutdown(true)

	coord := dialogue.NewCoordinator(b, sess)

	groupID, err := setupConversation(ctx, sess, coord, b, cfg, personas)
	if err != nil {
		return err
	}

	logger.Info("conversation ready",
		"group_id", groupID,
		"members", len(personas.Agents)+1,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// setupConversation registers the user and persona agents with the store,
// records the conversation opening event, and builds the in-memory group.
func setupConversation(ctx context.Context, sess *session.Session, coord *dialogue.Coordinator, b *bus.Bus, cfg *config.Config, personas *Personas) (uuid.UUID, error) {
	userID, err := sess.CreateAgent(ctx, personas.User.Name, false, externalID(personas.User.ExternalID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating user agent: %w", err)
	}

	type member struct {
		id      uuid.UUID
		persona Persona
	}
	members := make([]member, 0, len(personas.Agents))
	for _, p := range personas.Agents {
		id, err := sess.CreateAgent(ctx, p.Name, false, externalID(p.ExternalID))
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating agent %q: %w", p.Name, err)
		}
		members = append(members, member{id: id, persona: p})
	}

	witnesses := make([]store.Witness, 0, len(members)+1)
	witnesses = append(witnesses, store.Witness{AgentID: userID, Type: "hear"})
	for _, m := range members {
		witnesses = append(witnesses, store.Witness{AgentID: m.id, Type: "hear"})
	}

	eventID, err := sess.RecordEvent(ctx, userID, "conversation_started", witnesses)
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording conversation start: %w", err)
	}

	groupID, err := sess.CreateConversationGroup(ctx, eventID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating conversation group: %w", err)
	}

	coord.CreateGroup(groupID)

	user := dialogue.NewAgent(userID, b, sess,
		dialogue.WithUser(),
		dialogue.WithPendingTimeout(cfg.Dialogue.PendingTimeout))
	coord.AddMember(groupID, user)

	for _, m := range members {
		a := dialogue.NewAgent(m.id, b, sess,
			dialogue.WithPendingTimeout(cfg.Dialogue.PendingTimeout))
		a.SetPrompts(personas.DecisionFor(m.persona), personas.ResponseFor(m.persona))
		coord.AddMember(groupID, a)
	}

	return groupID, nil
}

func externalID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runDB(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: parley db <show-structure|wipe-data|wipe-structure>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	switch os.Args[2] {
	case "show-structure":
		return runShowStructure(ctx, s)
	case "wipe-data":
		if !confirmWipe("Delete ALL rows from " + cfg.Database.Path + "?") {
			fmt.Println("Aborted.")
			return nil
		}
		if err := s.WipeData(ctx); err != nil {
			return err
		}
		fmt.Println("Data wiped.")
		return nil
	case "wipe-structure":
		if !confirmWipe("Drop ALL tables in " + cfg.Database.Path + "?") {
			fmt.Println("Aborted.")
			return nil
		}
		if err := s.WipeStructure(ctx); err != nil {
			return err
		}
		fmt.Println("Structure wiped and recreated.")
		return nil
	default:
		return fmt.Errorf("unknown db command: %s", os.Args[2])
	}
}

func runShowStructure(ctx context.Context, s *store.SQLiteStore) error {
	infos, err := s.Structure(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	for _, info := range infos {
		cyan.Printf("%s", info.Name)
		gray.Printf("  (%d rows)\n", info.RowCount)
		fmt.Println(info.SQL)
		fmt.Println()
	}
	return nil
}

// confirmWipe asks for confirmation unless --force was passed.
func confirmWipe(question string) bool {
	for _, arg := range os.Args[3:] {
		if arg == "--force" || arg == "-f" {
			return true
		}
	}

	answer := prompt(bufio.NewReader(os.Stdin), question+" (yes/no)", "no")
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("parley configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "parley.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Event bus
	fmt.Println("\n--- Event Bus Configuration ---")
	busWorkers := prompt(reader, "Handler workers", "4")
	busQueue := prompt(reader, "Queue size", "256")

	// Dialogue
	fmt.Println("\n--- Dialogue Configuration ---")
	pendingTimeout := prompt(reader, "Pending state timeout", "30s")

	// Providers
	fmt.Println("\n--- Provider Configuration ---")
	llmProvider := prompt(reader, "LLM provider (openai/llama, empty to skip)", "")
	sttProvider := prompt(reader, "STT provider (vosk/whisper, empty to skip)", "")
	ttsProvider := prompt(reader, "TTS provider (elevenlabs/xtts, empty to skip)", "")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# parley configuration\n")
	cfg.WriteString("# Generated by parley init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("bus:\n")
	cfg.WriteString(fmt.Sprintf("  workers: %s\n", busWorkers))
	cfg.WriteString(fmt.Sprintf("  queue_size: %s\n", busQueue))
	cfg.WriteString("\n")

	cfg.WriteString("dialogue:\n")
	cfg.WriteString(fmt.Sprintf("  pending_timeout: \"%s\"\n", pendingTimeout))
	cfg.WriteString("\n")

	if llmProvider != "" {
		cfg.WriteString("llm:\n")
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", llmProvider))
		switch llmProvider {
		case "openai":
			cfg.WriteString("  openai:\n")
			cfg.WriteString("    api_key: \"${OPENAI_API_KEY}\"\n")
			cfg.WriteString("    model: \"gpt-3.5-turbo\"\n")
			cfg.WriteString("    temperature: 0.7\n")
		case "llama":
			cfg.WriteString("  llama:\n")
			cfg.WriteString("    path_to_model: \"\"\n")
			cfg.WriteString("    max_tokens: 2048\n")
		}
		cfg.WriteString("\n")
	}

	if sttProvider != "" {
		cfg.WriteString("stt:\n")
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", sttProvider))
		switch sttProvider {
		case "vosk":
			cfg.WriteString("  vosk:\n")
			cfg.WriteString("    path_to_model: \"\"\n")
			cfg.WriteString("    sample_rate: 16000\n")
		case "whisper":
			cfg.WriteString("  whisper:\n")
			cfg.WriteString("    size_model: \"base\"\n")
			cfg.WriteString("    device: \"cpu\"\n")
		}
		cfg.WriteString("\n")
	}

	if ttsProvider != "" {
		cfg.WriteString("tts:\n")
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", ttsProvider))
		switch ttsProvider {
		case "elevenlabs":
			cfg.WriteString("  elevenlabs:\n")
			cfg.WriteString("    api_key: \"${ELEVENLABS_API_KEY}\"\n")
		case "xtts":
			cfg.WriteString("  xtts:\n")
			cfg.WriteString("    model: \"\"\n")
		}
		cfg.WriteString("\n")
	}

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Write a starter personas file next to the config if none exists
	personasFile := filepath.Join(configDir, "personas.toml")
	if _, err := os.Stat(personasFile); os.IsNotExist(err) {
		if err := os.WriteFile(personasFile, []byte(starterPersonas), 0644); err != nil {
			return fmt.Errorf("writing personas file: %w", err)
		}
		fmt.Printf("\nStarter personas written to %s\n", personasFile)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the coordinator:")
	fmt.Printf("  parley serve\n")

	return nil
}

const starterPersonas = `# parley personas
# Generated by parley init

[session]
application = "example"
category = "conversation"
save = "root"

decision_prompt = """
You overhear a conversation. Decide whether to speak. Answer with exactly one
of [SKIP], [CONTINUE], [RESPONSE] or [GETINTERRUPTED].
"""

response_prompt = """
You are taking part in a spoken conversation. Reply in character, briefly,
as you would speak aloud.
"""

[user]
name = "User"

[[agents]]
name = "Sam"
personality = """
A friendly innkeeper who knows everyone in town and loves to gossip.
"""
`

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
