package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/spf13/cobra"

	"message-pipeline/handler"
	"message-pipeline/internal/integrations/queue"
	"message-pipeline/internal/server"
	"message-pipeline/internal/usecase"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Accept webhooks and enqueue canonical messages",
	Args:  cobra.NoArgs,
	RunE:  runGateway,
}

func runGateway(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger

	// ---- Clients ----
	inbound, err := queue.New(awssqs.NewFromConfig(rt.aws), cfg.InboundQueueURL)
	if err != nil {
		return fmt.Errorf("create inbound queue client: %w", err)
	}

	// ---- Use case ----
	ingest, err := usecase.NewIngestService(inbound, rt.secrets, usecase.IngestConfig{
		APIKeySecret:        cfg.APIKeySecret,
		WhatsAppSecret:      cfg.WhatsAppSecret,
		TelegramSecretToken: cfg.TelegramSecretToken,
	}, logger)
	if err != nil {
		return fmt.Errorf("create ingest service: %w", err)
	}

	// ---- Transport ----
	if onLambda() {
		h, err := handler.NewHandler(ingest, cfg.ServiceName, logger)
		if err != nil {
			return fmt.Errorf("create handler: %w", err)
		}
		lambda.Start(h.Handle)
		return nil
	}

	srv := server.NewServer(":"+strconv.Itoa(cfg.Port),
		server.NewHealthHandler(cfg.ServiceName, logger),
		server.NewWebhookHandler(ingest, logger),
	)
	return serve(ctx, srv, logger, cfg.Port)
}

type httpServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// serve runs srv until ctx is done, then drains it.
func serve(ctx context.Context, srv httpServer, logger *slog.Logger, port int) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("http server listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
