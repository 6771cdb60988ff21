package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"message-pipeline/handler"
	"message-pipeline/internal/integrations/anthropic"
	"message-pipeline/internal/integrations/openai"
	"message-pipeline/internal/integrations/queue"
	"message-pipeline/internal/repository"
	"message-pipeline/internal/server"
	"message-pipeline/internal/usecase"
	"message-pipeline/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume canonical messages and produce AI replies",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	// ---- Clients ----
	var storeOpts []repository.Option
	if cfg.ItemTTL > 0 {
		storeOpts = append(storeOpts, repository.WithItemTTL(cfg.ItemTTL))
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(rt.aws), cfg.StateTable, storeOpts...)
	if err != nil {
		return fmt.Errorf("create state client: %w", err)
	}

	sqsClient := awssqs.NewFromConfig(rt.aws)
	inbound, err := queue.New(sqsClient, cfg.InboundQueueURL,
		queue.WithWaitTime(cfg.WaitTime()),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		queue.WithNackBackoff(cfg.NackBaseDelay, cfg.NackMaxDelay),
	)
	if err != nil {
		return fmt.Errorf("create inbound queue client: %w", err)
	}
	responses, err := queue.New(sqsClient, cfg.ResponseQueueURL)
	if err != nil {
		return fmt.Errorf("create response queue client: %w", err)
	}

	openaiClient, err := openai.NewClient(rt.secrets,
		openai.WithModel(cfg.OpenAIModel),
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithMaxTokens(cfg.MaxTokens),
		openai.WithTemperature(cfg.Temperature),
		openai.WithHistoryWindow(cfg.OpenAIWindow),
		openai.WithSecretName(cfg.OpenAISecretName),
	)
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}
	anthropicClient, err := anthropic.NewClient(rt.secrets,
		anthropic.WithModel(cfg.AnthropicModel),
		anthropic.WithBaseURL(cfg.AnthropicBaseURL),
		anthropic.WithMaxTokens(cfg.MaxTokens),
		anthropic.WithTemperature(cfg.Temperature),
		anthropic.WithHistoryWindow(cfg.AnthropicWindow),
		anthropic.WithSecretName(cfg.AnthropicSecretName),
	)
	if err != nil {
		return fmt.Errorf("create Anthropic client: %w", err)
	}

	// ---- Pipeline ----
	provider, err := usecase.SelectProvider(cfg.AIProvider, openaiClient, anthropicClient)
	if err != nil {
		return err
	}
	dispatcher, err := usecase.NewDispatcher(provider, cfg.AITimeout, logger)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	assembler, err := usecase.NewAssembler(store, logger)
	if err != nil {
		return fmt.Errorf("create assembler: %w", err)
	}
	pipeline, err := usecase.NewPipeline(assembler, dispatcher, store, responses, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	logger.Info("worker configured", "ai_provider", provider.Name(), "history_window", provider.HistoryWindow())

	// ---- Transport ----
	if onLambda() {
		qh, err := handler.NewQueueHandler(pipeline, logger)
		if err != nil {
			return fmt.Errorf("create queue handler: %w", err)
		}
		lambda.Start(qh.Handle)
		return nil
	}

	consumer, err := worker.New(inbound, pipeline, worker.Config{
		MaxOutstanding: cfg.MaxOutstanding,
		Concurrency:    cfg.WorkerConcurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	srv := server.NewServer(":"+strconv.Itoa(cfg.Port),
		server.NewHealthHandler(cfg.ServiceName, logger),
		server.NewProcessHandler(pipeline, logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return serve(gctx, srv, logger, cfg.Port) })
	return g.Wait()
}
