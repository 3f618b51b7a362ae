package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/livechat/internal/orchestrator"
	"github.com/livechat/internal/reconcile"
	"github.com/livechat/internal/stream"
	"github.com/livechat/internal/threadstore"
	"github.com/livechat/pkg/models"
)

// ChatCommand returns the interactive chat client command
func ChatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with a livechat server from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Usage:   "Chat mode (overrides client.mode)",
			},
			&cli.StringFlag{
				Name:    "thread",
				Aliases: []string{"t"},
				Usage:   "Continue an existing thread",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Completion server URL (overrides client.server_url)",
			},
			&cli.BoolFlag{
				Name:  "system-keys",
				Usage: "Use the credentials held by the server instead of your own",
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "Attach an image (data URL) to the first prompt",
			},
		},
		ArgsUsage: "[prompt]",
		Action:    runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("mode") {
		cfg.Client.Mode = c.String("mode")
	}
	if c.IsSet("server") {
		cfg.Client.ServerURL = c.String("server")
	}
	if c.Bool("system-keys") {
		cfg.Client.APIKeyMode = string(models.APIKeyModeSystem)
	}

	ctx := c.Context
	store, err := threadstore.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	defer store.Close()

	out := newTranscript(os.Stdout)
	engine := reconcile.NewEngine(store,
		reconcile.WithPersistInterval(cfg.Client.PersistInterval),
		reconcile.OnUpdate(out.update),
	)

	clientCfg := orchestrator.Config{
		BaseURL:            cfg.Client.ServerURL,
		APIKeyMode:         models.APIKeyMode(cfg.Client.APIKeyMode),
		CustomInstructions: cfg.Client.CustomInstructions,
		ReaderOptions: []stream.Option{
			stream.WithRetryDelay(cfg.Client.ReadRetryDelay),
			stream.WithMaxRetries(cfg.Client.ReadRetries),
		},
	}
	if clientCfg.APIKeyMode == models.APIKeyModeOwn {
		clientCfg.APIKeys = cfg.Credentials
	}
	client := orchestrator.NewClient(clientCfg, engine, store)

	session := &chatSession{
		client:   client,
		store:    store,
		out:      out,
		mode:     cfg.Client.Mode,
		threadID: c.String("thread"),
		image:    c.String("image"),
	}
	if session.threadID != "" {
		if err := session.replay(ctx); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	if prompt := strings.TrimSpace(strings.Join(c.Args().Slice(), " ")); prompt != "" {
		_, err := session.ask(ctx, prompt, sigCh)
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprintf(out.w, "livechat (%s). Ctrl-C stops a reply, Ctrl-D quits.\n", session.mode)
	for {
		fmt.Fprint(out.w, "> ")
		select {
		case <-sigCh:
			fmt.Fprintln(out.w)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out.w)
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, err := session.ask(ctx, line, sigCh); err != nil {
				fmt.Fprintf(out.w, "error: %v\n", err)
			}
		}
	}
}

// chatSession carries one thread across prompts
type chatSession struct {
	client   *orchestrator.Client
	store    threadstore.Store
	out      *transcript
	mode     string
	threadID string
	parentID string
	image    string
}

// ask submits one prompt and waits for it to settle. An interrupt cancels
// the reply in flight.
func (s *chatSession) ask(ctx context.Context, prompt string, interrupts <-chan os.Signal) (models.ThreadItem, error) {
	turn, err := s.client.Submit(ctx, orchestrator.Input{
		ThreadID:        s.threadID,
		ParentItemID:    s.parentID,
		Query:           prompt,
		ImageAttachment: s.image,
		Mode:            s.mode,
	})
	if err != nil {
		return models.ThreadItem{}, err
	}
	s.image = ""
	s.threadID = turn.ThreadID
	s.parentID = turn.ItemID

	select {
	case <-turn.Done():
	case <-interrupts:
		turn.Cancel()
	}

	item := turn.Wait()
	s.out.settle(item)
	if err := turn.Err(); err != nil {
		log.Debug().Err(err).Str("thread_item_id", item.ID).Msg("Turn ended early")
	}
	return item, nil
}

// replay prints the earlier turns of the thread being continued
func (s *chatSession) replay(ctx context.Context) error {
	thread, err := s.store.GetThread(ctx, s.threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread %s: %w", s.threadID, err)
	}
	items, err := s.store.ListItems(ctx, s.threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread %s: %w", s.threadID, err)
	}

	fmt.Fprintf(s.out.w, "# %s\n", thread.Title)
	for _, item := range items {
		fmt.Fprintf(s.out.w, "> %s\n%s\n", item.Query, item.AnswerText())
		s.parentID = item.ID
	}
	return nil
}

// transcript writes answer text as it grows. Each update carries the full
// text so far; only the unseen suffix is printed.
type transcript struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]string
}

func newTranscript(w io.Writer) *transcript {
	return &transcript{w: w, printed: make(map[string]string)}
}

func (t *transcript) update(item models.ThreadItem) {
	text := item.AnswerText()

	t.mu.Lock()
	defer t.mu.Unlock()
	seen := t.printed[item.ID]
	if len(text) <= len(seen) || !strings.HasPrefix(text, seen) {
		return
	}
	fmt.Fprint(t.w, text[len(seen):])
	t.printed[item.ID] = text
}

// settle finishes the line of a settled item and reports failures
func (t *transcript) settle(item models.ThreadItem) {
	t.update(item)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.printed[item.ID] != "" {
		fmt.Fprintln(t.w)
	}
	delete(t.printed, item.ID)

	switch item.Status {
	case models.StatusAborted, models.StatusError:
		fmt.Fprintf(t.w, "[%s] %s\n", item.Status, item.Error)
	}
}
