package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/docavailable/session-engine/internal/clock"
	"github.com/docavailable/session-engine/internal/lock"
)

const lockPrefix = "scheduler:"

// Job — периодический воркер. Каждый тик сериализуется TTL-блокировкой
// по имени джоба: в многоинстансовом деплое тик исполняет ровно один
// инстанс, остальные пропускают.
type Job struct {
	Name     string
	Interval time.Duration
	LockTTL  time.Duration
	Run      func(ctx context.Context) error
}

// Runner гоняет набор джобов до отмены контекста.
type Runner struct {
	locker lock.Locker
	clock  clock.Clock
	log    zerolog.Logger
}

func NewRunner(locker lock.Locker, clk clock.Clock, log zerolog.Logger) *Runner {
	return &Runner{
		locker: locker,
		clock:  clk,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// RunAll запускает все джобы и блокируется до отмены контекста.
// Ошибка тика не роняет джоб: она логируется и цикл продолжается
// со следующего интервала.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			r.loop(ctx, job)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	log := r.log.With().Str("job", job.Name).Logger()
	log.Info().Dur("interval", job.Interval).Msg("джоб запущен")

	// Первый тик сразу: после деплоя или рестарта бэклог не должен
	// ждать целый интервал.
	r.tick(ctx, job, log)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("джоб остановлен")
			return
		case <-ticker.C:
			r.tick(ctx, job, log)
		}
	}
}

func (r *Runner) tick(ctx context.Context, job Job, log zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}

	release, acquired, err := r.locker.TryAcquire(ctx, lockPrefix+job.Name, job.LockTTL)
	if err != nil {
		log.Error().Err(err).Msg("захват блокировки не удался, тик пропущен")
		return
	}
	if !acquired {
		log.Debug().Msg("блокировку держит другой инстанс, тик пропущен")
		return
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn().Err(err).Msg("блокировка не освобождена, истечёт по TTL")
		}
	}()

	runID := uuid.New()
	started := r.clock.Now()
	runErr := job.Run(ctx)
	elapsed := r.clock.Now().Sub(started)

	if runErr != nil {
		log.Error().Err(runErr).
			Str("run_id", runID.String()).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("тик завершился с ошибкой")
		return
	}
	log.Info().
		Str("run_id", runID.String()).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("тик выполнен")
}
