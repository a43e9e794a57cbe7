// ABOUTME: Client commands that edit agents and transcripts in the local store
// ABOUTME: Every command loads the agent manager and flushes pending writes before exit

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/convo-studio/internal/agent"
	"github.com/2389/convo-studio/internal/config"
	"github.com/2389/convo-studio/internal/conversation"
	"github.com/2389/convo-studio/internal/images"
	"github.com/2389/convo-studio/internal/kv"
	"github.com/2389/convo-studio/internal/relay"
	"github.com/2389/convo-studio/internal/store"
)

// workspace is the loaded client state for one command.
type workspace struct {
	cfg    *config.Config
	mgr    *agent.Manager
	logger *slog.Logger
}

// openWorkspace opens storage and loads agents. Storage problems degrade to
// the fallback backend instead of failing the command.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupClientLogger(cfg.Logging, os.Stderr)

	blobs, err := kv.Open(cfg.Storage.BlobDir)
	if err != nil {
		logger.Warn("blob directory unavailable, fallback state will not survive exit", "dir", cfg.Storage.BlobDir, "error", err)
		blobs = nil
	}

	p := store.Open(store.Options{
		Path:   cfg.Storage.Path,
		Blobs:  blobs,
		Logger: logger,
	})
	if p.Fallback() {
		color.New(color.FgYellow).Fprintln(os.Stderr, "database unavailable; using fallback storage")
	}

	mgr := agent.NewManager(p, agent.Options{
		Debounce: cfg.Storage.Debounce,
		Logger:   logger,
	})
	mgr.Load(ctx)

	return &workspace{cfg: cfg, mgr: mgr, logger: logger}, nil
}

// Close flushes pending edits. It ignores the command context so an
// interrupted command still saves.
func (w *workspace) Close() {
	w.mgr.Close(context.Background())
}

// withWorkspace runs fn against a loaded workspace and always closes it.
func withWorkspace(ctx context.Context, fn func(*workspace) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

func runAgents(ctx context.Context, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	return withWorkspace(ctx, func(ws *workspace) error {
		switch sub {
		case "list", "ls":
			printAgents(os.Stdout, ws.mgr.Agents(), ws.mgr.CurrentID())
			return nil

		case "new":
			a := ws.mgr.CreateAgent(ctx, strings.Join(args, " "))
			fmt.Printf("created %s (%s)\n", a.Name, shortID(a.ID))
			return nil

		case "use":
			a, err := requireAgent(ws, args, 1)
			if err != nil {
				return err
			}
			ws.mgr.SetCurrentAgent(ctx, a.ID)
			fmt.Printf("current agent: %s\n", a.Name)
			return nil

		case "rename":
			if len(args) < 2 {
				return fmt.Errorf("%w: agents rename AGENT NAME", errUsage)
			}
			a, err := resolveAgent(ws.mgr.Agents(), args[0])
			if err != nil {
				return err
			}
			return ws.mgr.RenameAgent(ctx, a.ID, strings.Join(args[1:], " "))

		case "rm", "delete":
			a, err := requireAgent(ws, args, 1)
			if err != nil {
				return err
			}
			if err := ws.mgr.DeleteAgent(ctx, a.ID); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", a.Name)
			return nil

		case "dup", "duplicate":
			a, err := requireAgent(ws, args, 1)
			if err != nil {
				return err
			}
			dup, err := ws.mgr.DuplicateAgent(ctx, a.ID)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", dup.Name, shortID(dup.ID))
			return nil

		default:
			return fmt.Errorf("%w: unknown agents command %q", errUsage, sub)
		}
	})
}

func requireAgent(ws *workspace, args []string, n int) (*store.Agent, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%w: expected an agent id, name or number", errUsage)
	}
	return resolveAgent(ws.mgr.Agents(), args[0])
}

// resolveAgent finds an agent by 1-based position, exact id, unique id
// prefix or case-insensitive name, in that order.
func resolveAgent(agents []*store.Agent, ref string) (*store.Agent, error) {
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(agents) {
		return agents[n-1], nil
	}

	var byPrefix, byName []*store.Agent
	for _, a := range agents {
		if a.ID == ref {
			return a, nil
		}
		if strings.HasPrefix(a.ID, ref) {
			byPrefix = append(byPrefix, a)
		}
		if strings.EqualFold(a.Name, ref) {
			byName = append(byName, a)
		}
	}

	switch {
	case len(byPrefix) == 1:
		return byPrefix[0], nil
	case len(byPrefix) > 1:
		return nil, fmt.Errorf("ambiguous agent %q: %d ids match", ref, len(byPrefix))
	case len(byName) == 1:
		return byName[0], nil
	case len(byName) > 1:
		return nil, fmt.Errorf("ambiguous agent %q: %d agents have that name", ref, len(byName))
	}
	return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, ref)
}

func runSystem(ctx context.Context, args []string) error {
	return withWorkspace(ctx, func(ws *workspace) error {
		if len(args) == 0 {
			if cur := ws.mgr.Current(); cur != nil {
				fmt.Println(cur.SystemPrompt)
			}
			return nil
		}
		text, err := readText(args)
		if err != nil {
			return err
		}
		return ws.mgr.UpdateCurrentAgent(agent.Patch{SystemPrompt: &text})
	})
}

func runModel(ctx context.Context, args []string) error {
	return withWorkspace(ctx, func(ws *workspace) error {
		if len(args) == 0 {
			if cur := ws.mgr.Current(); cur != nil {
				model := cur.Model
				if model == "" {
					model = ws.cfg.Upstream.DefaultModel + " (default)"
				}
				fmt.Println(model)
			}
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("%w: model NAME", errUsage)
		}
		model := args[0]
		return ws.mgr.UpdateCurrentAgent(agent.Patch{Model: &model})
	})
}

func runMsg(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: msg needs a subcommand", errUsage)
	}
	sub, args := args[0], args[1:]

	return withWorkspace(ctx, func(ws *workspace) error {
		cur := ws.mgr.Current()
		if cur == nil {
			return conversation.ErrNoAgent
		}
		n := len(cur.Messages)

		var edit func([]store.Message) ([]store.Message, error)
		switch sub {
		case "add":
			if len(args) < 2 {
				return fmt.Errorf("%w: msg add user|assistant TEXT", errUsage)
			}
			role, err := parseRole(args[0])
			if err != nil {
				return err
			}
			text, err := readText(args[1:])
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) {
				return agent.AppendMessage(m, store.Message{Role: role, Content: text}), nil
			}

		case "insert":
			if len(args) < 3 {
				return fmt.Errorf("%w: msg insert N user|assistant TEXT", errUsage)
			}
			i, err := parseIndex(args[0], n+1)
			if err != nil {
				return err
			}
			role, err := parseRole(args[1])
			if err != nil {
				return err
			}
			text, err := readText(args[2:])
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) {
				return agent.InsertMessage(m, i, store.Message{Role: role, Content: text})
			}

		case "edit":
			if len(args) < 2 {
				return fmt.Errorf("%w: msg edit N TEXT", errUsage)
			}
			i, err := parseIndex(args[0], n)
			if err != nil {
				return err
			}
			text, err := readText(args[1:])
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.SetContent(m, i, text) }

		case "rm":
			i, err := singleIndex(args, n, "msg rm N")
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.DeleteMessage(m, i) }

		case "role":
			i, err := singleIndex(args, n, "msg role N")
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.ToggleRole(m, i) }

		case "mv":
			if len(args) != 2 {
				return fmt.Errorf("%w: msg mv FROM TO", errUsage)
			}
			from, err := parseIndex(args[0], n)
			if err != nil {
				return err
			}
			to, err := parseIndex(args[1], n)
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.MoveMessage(m, from, to) }

		case "image":
			if len(args) != 2 {
				return fmt.Errorf("%w: msg image N FILE|URL", errUsage)
			}
			i, err := parseIndex(args[0], n)
			if err != nil {
				return err
			}
			ref, err := imageRef(args[1])
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.AddImage(m, i, ref) }

		case "unimage":
			if len(args) != 2 {
				return fmt.Errorf("%w: msg unimage N IMG", errUsage)
			}
			i, err := parseIndex(args[0], n)
			if err != nil {
				return err
			}
			img, err := parseIndex(args[1], len(cur.Messages[i].Images))
			if err != nil {
				return err
			}
			edit = func(m []store.Message) ([]store.Message, error) { return agent.RemoveImage(m, i, img) }

		default:
			return fmt.Errorf("%w: unknown msg command %q", errUsage, sub)
		}

		return ws.mgr.EditMessages(cur.ID, edit)
	})
}

func parseRole(s string) (string, error) {
	switch strings.ToLower(s) {
	case "user", "u":
		return store.RoleUser, nil
	case "assistant", "a":
		return store.RoleAssistant, nil
	default:
		return "", fmt.Errorf("role must be user or assistant, got %q", s)
	}
}

// parseIndex converts a 1-based position into a slice index.
func parseIndex(s string, n int) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("%w: %d (have %d)", agent.ErrIndexOutOfRange, i, n)
	}
	return i - 1, nil
}

func singleIndex(args []string, n int, form string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: %s", errUsage, form)
	}
	return parseIndex(args[0], n)
}

// readText joins args, or reads stdin when the only arg is "-".
func readText(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	return strings.Join(args, " "), nil
}

// imageRef keeps URLs as references, to be fetched at generation time, and
// inlines local files immediately.
func imageRef(arg string) (string, error) {
	if images.IsRemote(arg) {
		return arg, nil
	}
	if images.IsDataURL(arg) {
		if _, _, err := images.ParseDataURL(arg); err != nil {
			return "", err
		}
		return arg, nil
	}
	return images.FromFile(arg)
}

func runShow(ctx context.Context) error {
	return withWorkspace(ctx, func(ws *workspace) error {
		cur := ws.mgr.Current()
		if cur == nil {
			return conversation.ErrNoAgent
		}
		printTranscript(os.Stdout, cur, ws.cfg.Upstream.DefaultModel)
		return nil
	})
}

func runGenerate(ctx context.Context) error {
	return withWorkspace(ctx, func(ws *workspace) error {
		cfg := ws.cfg
		httpClient := &http.Client{}

		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		mode, info, err := relay.ResolveMode(probeCtx, httpClient, cfg.Client.ServerURL)
		cancel()
		if err != nil {
			ws.logger.Debug("proxy unreachable, using direct mode", "server_url", cfg.Client.ServerURL, "error", err)
		}

		defaultModel := cfg.Upstream.DefaultModel
		if info != nil && info.DefaultModel != "" {
			defaultModel = info.DefaultModel
		}

		r := relay.New(relay.Config{
			Mode:         mode,
			ProxyURL:     cfg.Client.ServerURL,
			UpstreamURL:  cfg.Upstream.BaseURL,
			APIKey:       cfg.Upstream.APIKey,
			DefaultModel: defaultModel,
			HTTPClient:   httpClient,
			Logger:       ws.logger,
		})

		events := conversation.NewEventBroadcaster(ws.logger)
		defer events.Close()
		svc := conversation.New(ws.mgr, r, httpClient, events, ws.logger)

		cur := ws.mgr.Current()
		if cur == nil {
			return conversation.ErrNoAgent
		}
		model := cur.Model
		if model == "" {
			model = defaultModel
		}
		gray := color.New(color.FgHiBlack)
		gray.Fprintf(os.Stderr, "[%s · %s]\n", mode, model)

		progress, subID := events.Subscribe(ctx, cur.ID)
		printed := make(chan string)
		go func() {
			printed <- streamText(os.Stdout, progress)
		}()

		res, err := svc.Generate(ctx)
		events.Unsubscribe(cur.ID, subID)
		shown := <-printed
		if err != nil {
			return err
		}

		// Progress may have been dropped or replaced by final content
		if rest, ok := strings.CutPrefix(res.Text, shown); ok {
			fmt.Print(rest)
		} else {
			fmt.Print("\n" + res.Text)
		}
		if res.Text != "" {
			fmt.Println()
		}

		switch {
		case res.Cancelled:
			color.New(color.FgYellow).Fprintln(os.Stderr, "(cancelled)")
		case res.Error != "":
			return fmt.Errorf("generation failed: %s", res.Error)
		case res.Usage != nil:
			gray.Fprintf(os.Stderr, "[%d prompt + %d completion = %d tokens]\n",
				res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.TotalTokens)
		}
		return nil
	})
}

// streamText prints the new suffix of each progress event and returns what
// was printed once the channel closes.
func streamText(w io.Writer, progress <-chan conversation.Progress) string {
	shown := ""
	for p := range progress {
		if rest, ok := strings.CutPrefix(p.Text, shown); ok && rest != "" {
			_, _ = io.WriteString(w, rest)
			shown = p.Text
		}
	}
	return shown
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printAgents(w io.Writer, agents []*store.Agent, currentID string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	for i, a := range agents {
		marker := " "
		if a.ID == currentID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %2d  ", marker, i+1)
		cyan.Fprint(w, a.Name)
		gray.Fprintf(w, "  %s", shortID(a.ID))
		if a.Model != "" {
			gray.Fprintf(w, "  %s", a.Model)
		}
		gray.Fprintf(w, "  %d msgs\n", len(a.Messages))
	}
}

func printTranscript(w io.Writer, a *store.Agent, defaultModel string) {
	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	model := a.Model
	if model == "" {
		model = defaultModel
	}
	bold.Fprintf(w, "%s", a.Name)
	gray.Fprintf(w, "  %s\n", model)
	if a.SystemPrompt != "" {
		gray.Fprintf(w, "system: %s\n", a.SystemPrompt)
	}
	fmt.Fprintln(w)

	for i, m := range a.Messages {
		label := green
		if m.Role == store.RoleAssistant {
			label = cyan
		}
		gray.Fprintf(w, "[%d] ", i+1)
		label.Fprintf(w, "%s: ", m.Role)
		fmt.Fprintln(w, m.Content)
		for j, ref := range m.Images {
			gray.Fprintf(w, "     image %d: %s\n", j+1, describeImage(ref))
		}
	}
}

func describeImage(ref string) string {
	if !images.IsDataURL(ref) {
		return ref
	}
	mimeType, data, err := images.ParseDataURL(ref)
	if err != nil {
		return "invalid data URL"
	}
	return fmt.Sprintf("%s, %.1f KB", mimeType, float64(len(data))/1024)
}
