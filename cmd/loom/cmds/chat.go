package cmds

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/loom/pkg/engine"
	"github.com/go-go-golems/loom/pkg/history"
	"github.com/go-go-golems/loom/pkg/repository"
	"github.com/go-go-golems/loom/pkg/sessions"
	"github.com/go-go-golems/loom/pkg/sessions/sqlitestore"
	"github.com/go-go-golems/loom/pkg/streaming"
)

const frameTopic = "loom.frames"

type stack struct {
	store        *sessions.Store
	ops          *sessions.Operations
	orchestrator *streaming.Orchestrator
	router       *streaming.FrameRouter
	close        func()
}

func buildStack() (*stack, error) {
	var repos sessions.Repositories
	var histories repository.Repository[*history.History]
	var summaries repository.Repository[*history.Summary]
	closeFn := func() {}

	if dsn := viper.GetString("db"); dsn != "" {
		db, err := sqlitestore.Open(dsn)
		if err != nil {
			return nil, err
		}
		repos = db.NewRepositories()
		histories = sqlitestore.NewDocumentRepository(db, "histories", func(h *history.History) string { return h.ID })
		summaries = sqlitestore.NewDocumentRepository(db, "summaries", func(s *history.Summary) string { return s.ID })
		closeFn = func() { _ = db.Close() }
	} else {
		repos = sessions.NewMemoryRepositories()
		histories = repository.NewMemoryRepository[*history.History]()
		summaries = repository.NewMemoryRepository[*history.Summary]()
	}

	store := sessions.NewStore(repos)
	ops := sessions.NewOperations(store,
		sessions.WithTokenCounter(sessions.NewTokenCounter(viper.GetString("model"))),
	)
	manager := history.NewManager(store, histories, summaries)
	summarizer := history.NewSummarizer(manager, engine.NewStandardFactory())

	settings := engine.Settings{
		Provider: viper.GetString("provider"),
		Model:    viper.GetString("model"),
		APIKey:   viper.GetString("openai-api-key"),
		Stream:   true,
	}

	options := []streaming.OrchestratorOption{
		streaming.WithDefaultSettings(settings),
		streaming.WithSinks(streaming.LogSink{}),
	}

	var router *streaming.FrameRouter
	if viper.GetBool("dump-frames") {
		r, err := streaming.NewFrameRouter(streaming.WithVerbose(viper.GetString("log-level") == "debug"))
		if err != nil {
			return nil, err
		}
		r.AddHandler("dump-frames", frameTopic, r.DumpRawFrames)
		publishers := streaming.NewPublisherManager()
		publishers.SubscribePublisher(frameTopic, r.Publisher)
		options = append(options, streaming.WithSinks(publishers))
		router = r
	}

	orchestrator := streaming.NewOrchestrator(
		ops, manager, summarizer, engine.NewStandardFactory(),
		options...,
	)

	return &stack{
		store:        store,
		ops:          ops,
		orchestrator: orchestrator,
		router:       router,
		close:        closeFn,
	}, nil
}

func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with a session, streaming the reply",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			eg, ctx := errgroup.WithContext(ctx)
			if st.router != nil {
				defer func() { _ = st.router.Close() }()
				eg.Go(func() error { return st.router.Run(ctx) })
				<-st.router.Running()
			}
			runErr := func() error {
				sessionID := viper.GetString("session")
				if sessionID == "" {
					sess, err := st.store.CreateSession(ctx, "local", viper.GetString("instructions"))
					if err != nil {
						return err
					}
					sessionID = sess.ID
					fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
				}

				if len(args) > 0 {
					return runChatTurn(ctx, st, sessionID, strings.Join(args, " "))
				}

				scanner := bufio.NewScanner(os.Stdin)
				for {
					fmt.Print("> ")
					if !scanner.Scan() {
						return scanner.Err()
					}
					text := strings.TrimSpace(scanner.Text())
					if text == "" {
						continue
					}
					if text == "/quit" {
						return nil
					}
					if err := runChatTurn(ctx, st, sessionID, text); err != nil {
						fmt.Fprintf(os.Stderr, "error: %v\n", err)
					}
				}
			}()

			cancel()
			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().Bool("dump-frames", false, "print every frame of each operation as JSON")

	cmd.Flags().String("session", "", "existing session id to continue")
	cmd.Flags().String("instructions", "", "system instructions for a new session")
	cmd.Flags().String("provider", engine.ProviderEcho, "inference provider")
	cmd.Flags().String("model", "", "model name")
	cmd.Flags().String("openai-api-key", "", "API key for openai-compatible providers")

	return cmd
}

func runChatTurn(ctx context.Context, st *stack, sessionID string, text string) error {
	handle, err := st.orchestrator.Chat(ctx, &streaming.ChatRequest{
		SessionID: sessionID,
		Text:      text,
	})
	if err != nil {
		return err
	}
	defer handle.Discard()

	for frame := range handle.Frames() {
		switch f := frame.(type) {
		case *streaming.FrameOutputDelta:
			fmt.Print(f.Delta)
		case *streaming.FrameOutputCommitted:
			fmt.Println()
		case *streaming.FrameError:
			return errors.Errorf("%s: %s", f.Code, f.Message)
		}
	}
	return nil
}
