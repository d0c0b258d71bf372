package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/latoulicious/Seiun/internal/commands"
	"github.com/latoulicious/Seiun/internal/config"
	"github.com/latoulicious/Seiun/internal/handlers"
	"github.com/latoulicious/Seiun/internal/presence"
	"github.com/latoulicious/Seiun/pkg/cron"
	"github.com/latoulicious/Seiun/pkg/pipeline"
	"github.com/latoulicious/Seiun/pkg/player"
	"github.com/latoulicious/Seiun/pkg/resolver"
	"github.com/latoulicious/Seiun/pkg/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithField("cause", err.Error()).Fatal("failed to load config")
	}
	logrus.SetLevel(cfg.LogLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to open database")
	}
	defer db.Close()

	profiles, err := db.Profiles()
	if err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to initialize profiles")
	}
	playlists, err := db.Playlists()
	if err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to initialize playlists")
	}

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to create Discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates | discordgo.IntentMessageContent

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.FFmpegPath = cfg.FFmpegPath
	if err := pipeCfg.Validate(); err != nil {
		log.WithField("cause", err.Error()).Fatal("invalid pipeline configuration")
	}
	factory := pipeline.NewWorkerFactory(pipeCfg, logrus.WithField("component", "pipeline"))

	resolverCfg := resolver.DefaultConfig()
	resolverCfg.YtdlpPath = cfg.YtdlpPath
	resolverCfg.PlaylistLimit = cfg.PlaylistLimit
	res := resolver.New(resolverCfg, logrus.WithField("component", "resolver"))

	cmds := commands.New(res, profiles, playlists, logrus.WithField("component", "commands"))

	sessionCfg := player.DefaultSessionConfig()
	sessionCfg.IdleTimeout = cfg.IdleTimeout
	registry := player.NewRegistry(factory, cmds, sessionCfg)
	cmds.AttachRegistry(registry)
	cmds.AttachSession(dg)

	dg.AddHandler(handlers.NewMessageHandler(cmds, cfg.CommandPrefix))

	if err := dg.Open(); err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to open Discord session")
	}

	presenceManager := presence.NewManager(dg, logrus.WithField("component", "presence"))
	cmds.AttachPresence(presenceManager)
	presenceManager.StartPeriodicUpdates()

	scheduler := cron.NewScheduler(logrus.WithField("component", "cron"))
	// Daily at 04:00: compact the sqlite WAL.
	if err := scheduler.Add("db-maintenance", "0 0 4 * * *", db.Maintain); err != nil {
		log.WithField("cause", err.Error()).Fatal("failed to schedule maintenance")
	}
	scheduler.Start()

	log.Info("bot is running, press CTRL-C to exit")
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info("shutting down")
	scheduler.Stop()
	presenceManager.Stop()
	shutdownSessions(registry, log)
	dg.Close()
}

// shutdownSessions asks every guild session to leave and waits briefly so
// voice connections and ffmpeg processes are released cleanly.
func shutdownSessions(registry *player.Registry, log *logrus.Entry) {
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	registry.CloseAll()
	for {
		select {
		case <-deadline:
			log.Warn("some sessions did not close in time")
			return
		case <-ticker.C:
			if registry.Len() == 0 {
				return
			}
		}
	}
}
