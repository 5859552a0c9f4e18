package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/docavailable/session-engine/internal/billing"
	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/config"
	"github.com/docavailable/session-engine/internal/conversion"
	"github.com/docavailable/session-engine/internal/db"
	"github.com/docavailable/session-engine/internal/lock"
	"github.com/docavailable/session-engine/internal/metrics"
	"github.com/docavailable/session-engine/internal/model"
	"github.com/docavailable/session-engine/internal/ops"
	"github.com/docavailable/session-engine/internal/repository"
	"github.com/docavailable/session-engine/internal/scheduler"
	"github.com/docavailable/session-engine/internal/session"
)

func main() {
	// 1. Логгер и .env (отсутствие файла — не ошибка).
	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "session-engine").Logger()
	_ = godotenv.Load()

	// 2. Конфиг из env.
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// 3. Подключение к БД через GORM и миграции.
	gormDB, err := db.NewGormDB(&cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("init db")
	}
	if err := model.AutoMigrate(gormDB); err != nil {
		log.Fatal().Err(err).Msg("auto migrate")
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("sql DB")
	}
	defer sqlDB.Close()

	// 4. Распределённая блокировка воркеров (redis).
	locker := lock.NewRedisLocker(cfg.Redis)
	defer locker.Close()

	// 5. Репозитории (реализации на GORM).
	textRepo := repository.NewGormTextSessionRepository(gormDB)
	callRepo := repository.NewGormCallSessionRepository(gormDB)
	apptRepo := repository.NewGormAppointmentRepository(gormDB)

	// 6. Метрики: otel-счётчики, gauge бэклога, алёрт по доле отказов.
	alert := metrics.NewFailureRateAlert(15*time.Minute, 0.02, 0.10, 10)
	meter := otel.GetMeterProvider().Meter("session-engine")
	recorder, err := metrics.NewRecorder(meter, alert, func(ctx context.Context) (int64, error) {
		return apptRepo.CountDue(ctx, time.Now().UTC())
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init metrics")
	}

	// 7. Коллабораторы: леджер в той же базе, внешние нотификации и чат.
	clk := clock.Real{}
	ledger := billing.NewGormCreditLedger(gormDB)
	notifier := billing.NewWebhookNotifier(cfg.Integrations.NotifyWebhookURL, log)
	var chat billing.ChatRoomProvisioner
	if cfg.Integrations.ChatServiceURL != "" {
		chat = billing.NewChatServiceClient(cfg.Integrations.ChatServiceURL)
	}

	// 8. Сервисы жизненного цикла.
	textSvc := session.NewTextService(
		textRepo, ledger, notifier, recorder, clk, log,
		cfg.Session.ProviderResponseWindow,
		billing.RatePerUnit(cfg.Billing, model.AppointmentTypeText),
	)
	callSvc := session.NewCallService(
		callRepo, notifier, recorder, clk, log,
		cfg.Session.CallConnectGrace,
		cfg.Session.CallMissedTimeout,
	)
	creator := session.NewCreator(ledger, clk, log)
	pipeline := conversion.NewPipeline(gormDB, creator, chat, notifier, recorder, clk, log)

	// 9. Периодические воркеры под TTL-блокировкой.
	batch := cfg.Scheduler.BatchLimit
	jobs := []scheduler.Job{
		{
			Name:     "appointment_conversion",
			Interval: cfg.Scheduler.ConversionInterval,
			LockTTL:  cfg.Scheduler.LockTTL,
			Run: func(ctx context.Context) error {
				_, err := pipeline.ConvertDue(ctx, cfg.Scheduler.ConversionWindow, batch)
				return err
			},
		},
		{
			Name:     "call_correction",
			Interval: cfg.Scheduler.CallSweepInterval,
			LockTTL:  cfg.Scheduler.LockTTL,
			Run: func(ctx context.Context) error {
				if _, err := callSvc.SweepPromotions(ctx, batch); err != nil {
					return err
				}
				_, err := callSvc.SweepMissed(ctx, batch)
				return err
			},
		},
		{
			Name:     "deduction_sweep",
			Interval: cfg.Scheduler.DeductionInterval,
			LockTTL:  cfg.Scheduler.LockTTL,
			Run: func(ctx context.Context) error {
				if _, err := textSvc.SweepActive(ctx, batch); err != nil {
					return err
				}
				_, err := textSvc.SweepExpired(ctx, batch)
				return err
			},
		},
	}
	runner := scheduler.NewRunner(locker, clk, log)

	// 10. Операционный HTTP: health, метрики, ручное восстановление.
	opsSrv := ops.NewServer(cfg.OpsAddr, recorder, pipeline, clk, log)

	// 11. Всё вместе до SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.RunAll(ctx, jobs) })
	g.Go(func() error { return opsSrv.Run(ctx) })

	log.Info().Str("ops_addr", cfg.OpsAddr).Msg("движок сессий запущен")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("движок остановлен с ошибкой")
	}
	log.Info().Msg("движок остановлен")
}
