package main

import (
	"context"
	"net/http"
	"time"

	"github.com/emis-edu/emis/libs/config"
	"github.com/emis-edu/emis/libs/contracts"
	"github.com/emis-edu/emis/libs/db"
	"github.com/emis-edu/emis/libs/eventbus"
	"github.com/emis-edu/emis/libs/httpx"
	"github.com/emis-edu/emis/libs/kafkax"
	otelx "github.com/emis-edu/emis/libs/otel"
	"github.com/emis-edu/emis/libs/runtime"
	"github.com/emis-edu/emis/services/teacher-service/internal/handlers"
	"github.com/emis-edu/emis/services/teacher-service/internal/replica"
	"github.com/emis-edu/emis/services/teacher-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "teacher-service")
	port, err := config.Port("PORT", "8082")
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

	teachersRepo := storage.NewTeachersRepository(pool)
	classesRepo := replica.NewClassesRepository(pool)
	synchronizer := replica.NewSynchronizer(logger, classesRepo)

	registry := eventbus.NewRegistry()
	eventbus.Subscribe(registry, contracts.TopicClassCreated, synchronizer.OnClassCreated)
	eventbus.Subscribe(registry, contracts.TopicClassUpdated, synchronizer.OnClassUpdated)
	eventbus.Subscribe(registry, contracts.TopicTeacherAssignedToClass,
		func(ctx context.Context, evt contracts.TeacherAssignedToClass) error {
			if evt.TeacherID == "" || evt.ClassID == "" {
				logger.Warn("assignment event missing identifiers", "event_id", evt.EventID())
				return nil
			}
			return teachersRepo.RecordClassAssignment(ctx, evt.TeacherID, evt.ClassID, evt.IsHeadTeacher)
		})

	consumer, err := eventbus.NewConsumer(logger, registry, eventbus.ConsumerConfig{
		Brokers:          brokers,
		GroupID:          config.String("KAFKA_GROUP_ID", "teacher-service"),
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
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handlers.NewTeacherHandler(teachersRepo, classesRepo, publisher, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	handler = otelhttp.NewHandler(handler, "teacher")
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

	// Let the consumer finish its in-flight record before the deferred
	// closes tear down its dependencies.
	<-consumerDone
}
