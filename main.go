package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cognitive_lattice/src"
	"cognitive_lattice/src/audit"
	"cognitive_lattice/src/conversation"
	"cognitive_lattice/src/executor"
	"cognitive_lattice/src/lattice"
	"cognitive_lattice/src/llm/chat"
	"cognitive_lattice/src/llm/nlu"
	"cognitive_lattice/src/llm/planner"
	"cognitive_lattice/src/llm/provider"
	"cognitive_lattice/src/logger"
	"cognitive_lattice/src/model"
	"cognitive_lattice/src/storage"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg, err := src.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(cfg.LogConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("Exiting")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *src.Config) error {
	vocab, err := src.LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		return err
	}

	store, err := storage.NewFromConfig(ctx, cfg.StoreConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	cm, err := provider.NewChatModel(ctx, cfg.LLMConfig)
	if err != nil {
		return err
	}

	classifier, err := buildClassifier(ctx, cfg, vocab)
	if err != nil {
		return err
	}

	var docs retriever.Retriever
	if cfg.DocumentsDir != "" {
		dr, err := chat.NewDirRetriever(cfg.DocumentsDir)
		if err != nil {
			return err
		}
		docs = dr
	}

	handler, err := buildHandler(cm, docs)
	if err != nil {
		return err
	}
	policy := executor.DefaultRetryPolicy()
	policy.MaxRetries = cfg.ExecutorConfig.MaxRetries

	observers, closeAudit, err := buildObservers(cfg.AuditConfig)
	if err != nil {
		return err
	}
	defer closeAudit()

	opts := conversation.Options{
		Store:         store,
		Classifier:    classifier,
		Planner:       planner.NewLLMPlanner(cm, cfg.ExecutorConfig.MaxPlanSteps),
		Executor:      executor.NewExecutor(handler, policy, cfg.ExecutorConfig.StepTimeout, executor.WithContextWindow(cfg.ExecutorConfig.ContextWindow)),
		Responder:     chat.NewResponder(cm),
		Vocabulary:    vocab,
		ContextWindow: cfg.ExecutorConfig.ContextWindow,
		Observers:     observers,
	}
	if docs != nil {
		opts.Analyst = chat.NewAnalyst(docs, cm, 5)
	}

	svc, err := conversation.NewService(ctx, opts)
	if err != nil {
		return err
	}
	return chatLoop(ctx, svc, vocab)
}

// buildClassifier never fails a turn: model trouble falls back to keyword
// rules and anything else is treated as chat.
func buildClassifier(ctx context.Context, cfg *src.Config, vocab model.Vocabulary) (nlu.Classifier, error) {
	keywords := nlu.NewKeywordClassifier(vocab)
	if !cfg.ClassifierConfig.UseLLM {
		return keywords, nil
	}

	llmCfg := cfg.LLMConfig
	if cfg.ClassifierConfig.Model != "" {
		llmCfg.Model = cfg.ClassifierConfig.Model
	}
	llmCfg.MaxTokens = cfg.ClassifierConfig.MaxTokens
	llmCfg.Temperature = 0

	cm, err := provider.NewChatModel(ctx, llmCfg)
	if err != nil {
		return nil, err
	}
	return nlu.FailOpen(nlu.NewLLMClassifier(cm, nlu.WithFallback(keywords))), nil
}

// buildHandler runs steps that mention document search against the local
// documents and everything else through the chat model.
func buildHandler(cm einomodel.BaseChatModel, docs retriever.Retriever) (executor.ActionHandler, error) {
	llm := executor.NewLLMActionHandler(cm)
	if docs == nil {
		return llm, nil
	}

	search, err := utils.InferTool("document_search", "Search the local documents for text relevant to the step",
		func(ctx context.Context, in executor.ToolInput) (string, error) {
			query := strings.TrimSpace(in.Step + " " + in.Input)
			found, err := docs.Retrieve(ctx, query, retriever.WithTopK(3))
			if err != nil {
				return "", err
			}
			if len(found) == 0 {
				return "no matching documents", nil
			}
			var b strings.Builder
			for _, d := range found {
				fmt.Fprintf(&b, "%s:\n%s\n\n", d.ID, d.Content)
			}
			return strings.TrimSpace(b.String()), nil
		})
	if err != nil {
		return nil, err
	}
	return executor.NewToolActionHandler([]tool.InvokableTool{search}, llm), nil
}

func buildObservers(cfg model.AuditConfig) ([]lattice.Observer, func(), error) {
	var sinks []audit.Sink
	if cfg.LogNodes {
		sinks = append(sinks, audit.NewLogSink(*logger.GetLogger()))
	}

	closeFn := func() {}
	if cfg.NATSURL != "" {
		nc, err := audit.ConnectNATS(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, audit.NewNATSSink(nc, cfg.SubjectPrefix))
		closeFn = func() {
			if err := nc.Drain(); err != nil {
				logger.Warn().Err(err).Msg("Failed to drain audit bus connection")
			}
		}
	}

	if len(sinks) == 0 {
		return nil, closeFn, nil
	}
	return []lattice.Observer{audit.Observer(sinks...)}, closeFn, nil
}

// chatLoop reads "session> query" turns from stdin until an exit keyword
func chatLoop(ctx context.Context, svc *conversation.Service, vocab model.Vocabulary) error {
	sessionID := os.Getenv("SESSION_ID")
	if sessionID == "" {
		sessionID = "cli"
	}

	fmt.Printf("Session %s. Type %q to leave, \"/audit\" to dump the session log.\n", sessionID, vocab.ExitKeywords)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case nlu.IsKeyword(line, vocab.ExitKeywords...):
			return nil
		case line == "/audit":
			nodes, err := svc.Audit(ctx, sessionID)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			if err := audit.Export(os.Stdout, nodes); err != nil {
				return err
			}
			continue
		case line == "/run":
			resp, err := svc.RunTask(ctx, sessionID, 0)
			printResponse(resp, err)
			continue
		}

		resp, err := svc.HandleQuery(ctx, sessionID, line)
		printResponse(resp, err)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printResponse(resp *conversation.Response, err error) {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("[%s] %s\n", resp.Mode, resp.Text)
	if resp.Progress != nil {
		fmt.Printf("progress: %d/%d\n", resp.Progress.CompletedSteps, resp.Progress.TotalSteps)
	}
}
