package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tazhate/groupcal/config"
	"github.com/tazhate/groupcal/internal/bot"
	"github.com/tazhate/groupcal/internal/cache"
	"github.com/tazhate/groupcal/internal/clients/caldav"
	"github.com/tazhate/groupcal/internal/logging"
	"github.com/tazhate/groupcal/internal/scheduler"
	"github.com/tazhate/groupcal/internal/service"
	"github.com/tazhate/groupcal/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	logLevel := pflag.String("log-level", "", "log level: trace, debug, info, warn, error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("groupcal stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.New(cfg.DatabasePath, storage.WithCacheQuota(cfg.CacheMaxBytes))
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	monthCache := cache.New(store, log, cache.Options{RetentionMonths: cfg.CacheRetentionMonths})
	if monthCache.EnsureVersion(ctx, cfg.AppVersion) {
		log.Info().Str("version", cfg.AppVersion).Msg("cache cleared for new app version")
	}

	dav, err := caldav.NewDAVStore(ctx, caldav.DAVConfig{
		URL:          cfg.CalDAVURL,
		Username:     cfg.CalDAVUsername,
		Password:     cfg.CalDAVPassword,
		CalendarPath: cfg.CalDAVCalendar,
		Location:     cfg.Timezone,
	})
	if err != nil {
		return fmt.Errorf("init caldav: %w", err)
	}
	log.Info().Str("calendar", dav.CalendarPath()).Msg("caldav connected")
	remote := caldav.NewClient(dav, cfg.Timezone, cfg.RemoteRatePerSec, log)

	var (
		tgBot     *bot.Bot
		transport service.Transport
	)
	if cfg.TelegramEnabled() {
		tgBot, err = bot.New(cfg.TelegramToken, store, log)
		if err != nil {
			return fmt.Errorf("init bot: %w", err)
		}
		transport = tgBot
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	notifier := service.NewNotificationService(store, transport, log)
	schedules := service.NewScheduleService(remote, monthCache, store, notifier, log, service.ScheduleOptions{
		Location:   cfg.Timezone,
		GroupScope: cfg.GroupScope,
	})

	server := bot.NewServer(schedules, store, log)
	if tgBot != nil {
		tgBot.SetSchedules(schedules)
		if cfg.WebhookURL != "" {
			if err := tgBot.SetupWebhook(cfg.WebhookURL + "/bot"); err != nil {
				return fmt.Errorf("setup webhook: %w", err)
			}
			server.Handle("POST /bot", tgBot.WebhookHandler(ctx))
		} else {
			go func() {
				if err := tgBot.Poll(ctx); err != nil {
					log.Error().Err(err).Msg("telegram polling stopped")
				}
			}()
		}
	}

	sched := scheduler.New(monthCache, notifier, log, scheduler.Options{
		EvictSpec: cfg.EvictCron,
		AlarmSpec: cfg.AlarmCron,
		Location:  cfg.Timezone,
	})
	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Start(ctx)
	}()

	server.Start(":" + cfg.ServerPort)
	log.Info().Str("version", cfg.AppVersion).Msg("groupcal started")

	select {
	case <-ctx.Done():
	case err := <-schedErr:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop http server")
	}
	notifier.Wait()

	log.Info().Msg("groupcal stopped")
	return nil
}
