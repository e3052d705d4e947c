package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/config"
	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/db"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/libs/httpx"
	"github.com/emis-edu/emis/libs/kafkax"
	otelx "github.com/emis-edu/emis/libs/otel"
	"github.com/emis-edu/emis/libs/redisx"
	"github.com/emis-edu/emis/libs/runtime"
	"github.com/emis-edu/emis/services/message-service/internal/conversations"
	"github.com/emis-edu/emis/services/message-service/internal/handlers"
	"github.com/emis-edu/emis/services/message-service/internal/membership"
	"github.com/emis-edu/emis/services/message-service/internal/pipeline"
	"github.com/emis-edu/emis/services/message-service/internal/realtime"
	"github.com/emis-edu/emis/services/message-service/internal/storage"
	"github.com/emis-edu/emis/services/message-service/internal/unread"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "message-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	rdb, err := redisx.Open(redisx.Config{
		Addr:     config.String("REDIS_ADDR", "localhost:6379"),
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		panic(err)
	}
	defer func() { _ = rdb.Close() }()

	brokers := config.String("KAFKA_BROKERS", "")
	publisher, err := eventbus.NewPublisher(logger, eventbus.ProducerConfig{
		Brokers:     brokers,
		ClientID:    service,
		Acks:        config.String("KAFKA_ACKS", "all"),
		Compression: config.String("KAFKA_COMPRESSION", "lz4"),
	})
	if err != nil {
		logger.Error("kafka publisher setup failed", "err", err)
		panic(err)
	}
	defer func() { _ = publisher.Close() }()

	conversationsRepo := storage.NewConversationsRepository(pool)
	messagesRepo := storage.NewMessagesRepository(pool)
	unreadCounter := unread.NewCounter(rdb)

	resolver, err := membership.NewDirectoryResolver(logger,
		membership.NewStorageResolver(conversationsRepo),
		config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("membership resolver setup failed", "err", err)
		panic(err)
	}

	var broadcaster realtime.Broadcaster
	switch strings.ToLower(config.String("REALTIME_PROVIDER", "noop")) {
	case "webhook":
		broadcaster = realtime.NewWebhookBroadcaster(
			config.String("REALTIME_WEBHOOK_URL", ""),
			config.String("REALTIME_WEBHOOK_TOKEN", ""))
	default:
		broadcaster = realtime.NewNoopBroadcaster()
	}
	logger.Info("realtime broadcaster configured", "provider", broadcaster.ProviderID())

	flusher := pipeline.NewFlusher(logger, pipeline.NewBuffer(),
		conversationsRepo, messagesRepo, unreadCounter, publisher,
		pipeline.Config{
			BatchSize:            config.Int("FLUSH_BATCH_SIZE", 50),
			FlushInterval:        config.Duration("FLUSH_INTERVAL", 1*time.Second),
			ConversationCacheTTL: config.Duration("CONVERSATION_CACHE_TTL", 30*time.Second),
			MaxPersistAttempts:   config.Int("FLUSH_MAX_ATTEMPTS", 5),
		})
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		flusher.Run(ctx)
	}()

	groupCreator := conversations.NewCreator(logger, conversationsRepo)

	registry := eventbus.NewRegistry()
	eventbus.Subscribe(registry, contracts.TopicSendMessageRequested, flusher.Handle)
	eventbus.Subscribe(registry, contracts.TopicStudentAssignedToClass, groupCreator.OnStudentAssigned)
	eventbus.Subscribe(registry, contracts.TopicMessageSent, func(ctx context.Context, evt contracts.MessageSent) error {
		members, err := resolver.ListMembers(ctx, evt.ConversationID)
		if err != nil {
			// The durable copy exists; clients catch up on next fetch.
			logger.Warn("broadcast membership lookup failed", "conversation_id", evt.ConversationID, "err", err)
			return nil
		}
		recipients := make([]string, 0, len(members))
		for _, m := range members {
			if m.UserID == evt.SenderID {
				continue
			}
			recipients = append(recipients, m.UserID)
		}
		if err := broadcaster.Broadcast(ctx, evt.Message, recipients); err != nil {
			logger.Warn("realtime broadcast failed", "message_id", evt.MessageID, "err", err)
		}
		return nil
	})

	consumer, err := eventbus.NewConsumer(logger, registry, eventbus.ConsumerConfig{
		Brokers:          brokers,
		GroupID:          config.String("KAFKA_GROUP_ID", "message-service"),
		ClientID:         service,
		AutoOffsetReset:  config.String("KAFKA_AUTO_OFFSET_RESET", "earliest"),
		MaxDeliveries:    config.Int("KAFKA_MAX_DELIVERIES", 5),
		RetryBackoff:     config.Duration("KAFKA_RETRY_BACKOFF", 2*time.Second),
		DeadLetterSuffix: config.String("KAFKA_DLQ_SUFFIX", ".dlq"),
	})
	if err != nil {
		logger.Error("kafka consumer setup failed", "err", err)
		panic(err)
	}
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	mux := runtime.NewBaseMux(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handlers.NewMessageHandler(messagesRepo, resolver, unreadCounter, publisher, logger).Register(mux)

	limiter := httpx.NewRedisRateLimiter(rdb,
		config.Int("RATE_LIMIT_PER_MINUTE", 120), time.Minute, service)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(config.Duration("HTTP_TIMEOUT", 15*time.Second)),
		limiter.Middleware(logger, true),
	)
	handler = otelhttp.NewHandler(handler, "message")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	// Wait for the consumer to finish its in-flight record and for the
	// flusher to drain the buffer before the deferred closes run.
	<-consumerDone
	<-flusherDone
}
