// ABOUTME: Entry point for the hearth vault CLI
// ABOUTME: Unlocks the vault, runs the chat REPL and the maintenance commands

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/2389/hearth-vault/internal/auth"
	"github.com/2389/hearth-vault/internal/chat"
	"github.com/2389/hearth-vault/internal/config"
	"github.com/2389/hearth-vault/internal/keystore"
	"github.com/2389/hearth-vault/internal/migrate"
	"github.com/2389/hearth-vault/internal/provider"
	"github.com/2389/hearth-vault/internal/session"
	"github.com/2389/hearth-vault/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _                     _   _
 | |__   ___  __ _ _ __| |_| |__
 | '_ \ / _ \/ _' | '__| __| '_ \
 | | | |  __/ (_| | |  | |_| | | |
 |_| |_|\___|\__,_|_|   \__|_| |_|
`

// getConfigPath returns the path to the config file.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/config.yaml > ~/.config/hearth/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hearth", "config.yaml")
}

// getDataPath returns the vault data directory.
// Priority: config data_dir > XDG_DATA_HOME/hearth > ~/.local/share/hearth
func getDataPath(cfg *config.Config) string {
	if cfg.DataDir != "" {
		return cfg.DataDir
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "hearth")
}

func main() {
	// Local .env keeps dev credentials out of the shell profile.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  chat                    Unlock the vault and start chatting")
		fmt.Println("  init                    Create a new config file interactively")
		fmt.Println("  migrate                 Move a flat-file vault into the sqlite backend")
		fmt.Println("  models                  List models the configured provider offers")
		fmt.Println("  keys list               List stored provider credentials")
		fmt.Println("  keys set SERVICE        Store a provider credential")
		fmt.Println("  keys delete SERVICE     Remove a provider credential")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(ctx)
	case "init":
		err = runInit()
	case "migrate":
		err = runMigrate(ctx)
	case "models":
		err = runModels(ctx)
	case "keys":
		err = runKeys(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
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

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// promptPassword reads the vault password without echo. Falls back to a
// plain line read when stdin is not a terminal (tests, pipes).
func promptPassword(question string) (string, error) {
	fmt.Printf("%s: ", question)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// unlock opens the keystore, verifies the password and returns the session.
func unlock(cfg *config.Config, logger *slog.Logger) (*auth.Session, error) {
	dataPath := getDataPath(cfg)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	ks := keystore.NewFileKeystore(filepath.Join(dataPath, "keystore.json"))
	authSvc := auth.New(ks, logger)

	password, err := promptPassword("Vault password")
	if err != nil {
		return nil, err
	}

	sess, err := authSvc.Login(password)
	if errors.Is(err, auth.ErrInvalidPassword) {
		return nil, fmt.Errorf("wrong password")
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// openStore builds the backend the config selects.
func openStore(cfg *config.Config) (store.Store, error) {
	dataPath := getDataPath(cfg)

	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return store.NewSQLiteStore(filepath.Join(dataPath, "hearth.db"))
	default:
		return store.NewFlatFileStore(filepath.Join(dataPath, "data.json"), nil), nil
	}
}

func runChat(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend: %s\n", cfg.Storage.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Data:    %s\n", getDataPath(cfg))
	fmt.Println()

	sess, err := unlock(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	svc := chat.New(st, sess, logger)
	if _, err := svc.LoadData(ctx); err != nil {
		return fmt.Errorf("unlocking vault: %w", err)
	}

	return runREPL(ctx, cfg, svc, logger)
}

// runREPL is the interactive chat loop. Ctrl-C during a streaming turn
// cancels the turn; Ctrl-C at the prompt exits.
func runREPL(ctx context.Context, cfg *config.Config, svc *chat.Service, logger *slog.Logger) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	gray.Println("Type a message, or /new, /list, /switch ID, /delete ID, /quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if ctx.Err() != nil {
			return nil
		}

		thread := svc.Dataset().ActiveThread()
		if thread != nil {
			cyan.Printf("[%s] ", thread.Title)
		}
		fmt.Print("> ")

		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := handleCommand(ctx, svc, cfg, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		if err := runTurn(ctx, cfg, svc, line, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func handleCommand(ctx context.Context, svc *chat.Service, cfg *config.Config, line string) (done bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		model := store.ModelDescriptor{ID: defaultModel(cfg), Provider: cfg.Provider.Service}
		id, err := svc.CreateChatThread(ctx, model)
		if err != nil {
			return false, err
		}
		return false, svc.SetActiveThread(ctx, id)
	case "/list":
		for _, t := range svc.Dataset().Threads {
			marker := " "
			if t.IsActive {
				marker = "*"
			}
			fmt.Printf(" %s %s  %s (%d messages)\n", marker, t.ID, t.Title, len(t.Messages))
		}
		return false, nil
	case "/switch":
		if len(fields) < 2 {
			return false, fmt.Errorf("/switch needs a thread id")
		}
		return false, svc.SetActiveThread(ctx, fields[1])
	case "/delete":
		if len(fields) < 2 {
			return false, fmt.Errorf("/delete needs a thread id")
		}
		return false, svc.DeleteChatThread(ctx, fields[1])
	default:
		return false, fmt.Errorf("unknown command: %s", fields[0])
	}
}

func defaultModel(cfg *config.Config) string {
	if cfg.Provider.Model != "" {
		return cfg.Provider.Model
	}
	return provider.DefaultModel
}

// runTurn sends one user message through a streaming session and renders
// the cumulative snapshots as they arrive.
func runTurn(ctx context.Context, cfg *config.Config, svc *chat.Service, text string, logger *slog.Logger) error {
	data := svc.Dataset()
	thread := data.ActiveThread()
	if thread == nil {
		model := store.ModelDescriptor{ID: defaultModel(cfg), Provider: cfg.Provider.Service}
		id, err := svc.CreateChatThread(ctx, model)
		if err != nil {
			return err
		}
		if err := svc.SetActiveThread(ctx, id); err != nil {
			return err
		}
		thread = svc.Dataset().Thread(id)
	}

	// A missing credential yields a nil provider; the session answers with
	// its sentinel text instead of failing the turn.
	var prov session.Provider
	if key := data.KeyFor(cfg.Provider.Service); key != "" {
		p, err := provider.New(provider.Config{
			APIKey:       key,
			BaseURL:      cfg.Provider.BaseURL,
			Model:        modelFor(cfg, thread),
			SystemPrompt: data.Settings.CustomPrompt,
		})
		if err != nil {
			return err
		}
		prov = p
	}

	sess := session.New(prov, svc, thread.ID, logger)
	sess.SeedHistory(turnsFromMessages(thread.Messages))

	events, err := sess.Send(ctx, text)
	if err != nil {
		return err
	}

	// Ctrl-C while streaming requests cooperative cancellation.
	turnCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
	defer stop()
	go func() {
		<-turnCtx.Done()
		sess.Cancel()
	}()

	printed := 0
	for ev := range events {
		switch ev.Type {
		case session.EventSnapshot:
			if len(ev.Text) > printed {
				fmt.Print(ev.Text[printed:])
				printed = len(ev.Text)
			}
		case session.EventCompleted, session.EventCancelled:
			if len(ev.Text) > printed {
				fmt.Print(ev.Text[printed:])
			}
			fmt.Println()
		case session.EventFailed:
			fmt.Println()
			return fmt.Errorf("saving turn: %s", ev.Text)
		}
	}
	return nil
}

func modelFor(cfg *config.Config, thread *store.ChatThread) string {
	if thread.Model.ID != "" {
		return thread.Model.ID
	}
	return defaultModel(cfg)
}

func turnsFromMessages(messages []store.Message) []session.Turn {
	turns := make([]session.Turn, 0, len(messages))
	for _, m := range messages {
		role := session.RoleAssistant
		if m.IsUser {
			role = session.RoleUser
		}
		turns = append(turns, session.Turn{Role: role, Text: m.Text})
	}
	return turns
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	sess, err := unlock(cfg, logger)
	if err != nil {
		return err
	}

	dataPath := getDataPath(cfg)
	flat := store.NewFlatFileStore(filepath.Join(dataPath, "data.json"), nil)
	rel, err := store.NewSQLiteStore(filepath.Join(dataPath, "hearth.db"))
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer rel.Close()

	green := color.New(color.FgGreen)

	if err := migrate.New(flat, rel, nil).Migrate(ctx, sess.Password()); err != nil {
		var merr *migrate.Error
		if errors.As(err, &merr) {
			return fmt.Errorf("migration failed at %s: %w", merr.Step, merr.Err)
		}
		return err
	}

	green.Printf("  ✓ Migrated %s into %s\n", flat.Path(), filepath.Join(dataPath, "hearth.db"))
	fmt.Println("  Set storage.backend to \"sqlite\" in the config to use it.")
	return nil
}

func runModels(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	sess, err := unlock(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	data, err := st.Load(ctx, sess.Password())
	if err != nil {
		return fmt.Errorf("unlocking vault: %w", err)
	}

	key := data.KeyFor(cfg.Provider.Service)
	if key == "" {
		return fmt.Errorf("no api key stored for %q; run: hearth keys set %s", cfg.Provider.Service, cfg.Provider.Service)
	}

	p, err := provider.New(provider.Config{APIKey: key, BaseURL: cfg.Provider.BaseURL})
	if err != nil {
		return err
	}

	models, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	sort.Strings(models)

	all := append(models, data.Settings.CustomModels...)
	for _, m := range all {
		fmt.Println(m)
	}
	return nil
}

func runKeys(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: hearth keys <list|set|delete> [SERVICE]")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	sess, err := unlock(cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	data, err := st.Load(ctx, sess.Password())
	if err != nil {
		return fmt.Errorf("unlocking vault: %w", err)
	}

	switch os.Args[2] {
	case "list":
		for _, k := range data.APIKeys {
			fmt.Printf("%s  (%d chars)\n", k.Service, len(k.Key))
		}
		return nil

	case "set":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: hearth keys set SERVICE")
		}
		service := os.Args[3]
		key, err := promptPassword(fmt.Sprintf("API key for %s", service))
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("api key must not be empty")
		}

		replaced := false
		for i := range data.APIKeys {
			if data.APIKeys[i].Service == service {
				data.APIKeys[i].Key = key
				replaced = true
			}
		}
		if !replaced {
			data.APIKeys = append(data.APIKeys, store.APIKey{Service: service, Key: key})
		}
		if err := st.Save(ctx, data, sess.Password()); err != nil {
			return fmt.Errorf("saving vault: %w", err)
		}
		color.New(color.FgGreen).Printf("  ✓ Stored key for %s\n", service)
		return nil

	case "delete":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: hearth keys delete SERVICE")
		}
		service := os.Args[3]
		kept := data.APIKeys[:0]
		for _, k := range data.APIKeys {
			if k.Service != service {
				kept = append(kept, k)
			}
		}
		if len(kept) == len(data.APIKeys) {
			return fmt.Errorf("no key stored for %q", service)
		}
		data.APIKeys = kept
		if err := st.Save(ctx, data, sess.Password()); err != nil {
			return fmt.Errorf("saving vault: %w", err)
		}
		color.New(color.FgGreen).Printf("  ✓ Removed key for %s\n", service)
		return nil

	default:
		return fmt.Errorf("unknown keys subcommand: %s", os.Args[2])
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("hearth configuration setup")
	fmt.Println("==========================")
	fmt.Println()

	defaultConfigPath := getConfigPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Storage Configuration ---")
	backend := prompt(reader, "Backend (flatfile/sqlite)", config.BackendFlatFile)
	dataDir := prompt(reader, "Data directory (empty for default)", "")

	fmt.Println("\n--- Provider Configuration ---")
	service := prompt(reader, "Provider service", "openai")
	model := prompt(reader, "Default model", provider.DefaultModel)
	baseURL := prompt(reader, "Base URL (empty for default)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# hearth configuration\n")
	cfg.WriteString("# Generated by hearth init\n\n")

	if dataDir != "" {
		cfg.WriteString(fmt.Sprintf("data_dir: \"%s\"\n\n", dataDir))
	}

	cfg.WriteString("storage:\n")
	cfg.WriteString(fmt.Sprintf("  backend: \"%s\"\n", backend))
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  service: \"%s\"\n", service))
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", model))
	if baseURL != "" {
		cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start chatting:")
	fmt.Printf("  hearth chat\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
