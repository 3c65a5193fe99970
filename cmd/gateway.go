package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/activation"
	"github.com/clawdis/clawdis/internal/agentrt"
	"github.com/clawdis/clawdis/internal/bridge"
	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/channels/discord"
	"github.com/clawdis/clawdis/internal/channels/node"
	"github.com/clawdis/clawdis/internal/channels/telegram"
	"github.com/clawdis/clawdis/internal/channels/webchat"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/delivery"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/store"
	"github.com/clawdis/clawdis/pkg/protocol"
)

var (
	gatewayBind string
	gatewayPort int
)

func gatewayCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
	c.Flags().StringVar(&gatewayBind, "bind", "", "control-plane bind host (overrides config)")
	c.Flags().IntVar(&gatewayPort, "port", 0, "control-plane bind port (overrides config)")
	return c
}

func runGateway() error {
	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return exitWith(exitInvalidArgs, "create state dir: %v", err)
	}

	closeLog, err := logging.Setup(filepath.Join(stateDir, "logs"), verbose)
	if err != nil {
		return exitWith(exitInvalidArgs, "setup logging: %v", err)
	}
	defer closeLog()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return exitWith(exitInvalidArgs, "load config: %v", err)
	}
	if gatewayBind != "" {
		cfg.Gateway.Host = gatewayBind
	}
	if gatewayPort > 0 {
		cfg.Gateway.Port = gatewayPort
	}

	watcher, err := config.NewWatcher(cfg, cfgPath)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	sessions, err := store.NewSessionStore(stateDir)
	if err != nil {
		return exitWith(exitInvalidArgs, "open session store: %v", err)
	}
	nodes, err := store.NewNodeStore(stateDir)
	if err != nil {
		return exitWith(exitInvalidArgs, "open node store: %v", err)
	}
	cronJobs, err := store.NewCronStore(stateDir)
	if err != nil {
		return exitWith(exitInvalidArgs, "open cron store: %v", err)
	}
	secrets := store.NewSecretStore(stateDir)

	msgBus := bus.NewMessageBus()
	adapter := agentrt.New(cfg)

	// The scheduler executor closes over the server var, assigned below.
	var server *gateway.Server
	sched := scheduler.New(cfg,
		func(ctx context.Context, run *scheduler.Run) error {
			return server.ExecuteRun(ctx, run)
		},
		func(run *scheduler.Run, state string, err error) {
			if err != nil {
				slog.Warn("run finished", "run", run.ID, "session", run.SessionKey, "state", state, "error", err)
				return
			}
			slog.Debug("run finished", "run", run.ID, "session", run.SessionKey, "state", state)
		})

	manager := channels.NewManager(msgBus)
	deliverer := delivery.New(cfg, msgBus, manager)
	heartbeats := heartbeat.New(cfg, sessions, sched, manager)
	bridgeSrv := bridge.NewServer(cfg, nodes, msgBus, nil)
	cronSvc := cron.New(cfg, cronJobs, sched)

	snap := cfg.Snapshot()
	botIDs := map[string][]string{}
	if id := snap.Channels.Discord.BotID; id != "" {
		botIDs[bus.ChannelDiscord] = []string{id}
	}
	if jid := snap.Channels.WhatsApp.BotJID; jid != "" {
		botIDs[bus.ChannelWhatsApp] = []string{jid}
	}

	pipeline := activation.New(cfg, sessions, func(key string) string {
		return server.StatusText(key)
	}, botIDs)

	webchatCh := webchat.New(msgBus)

	server = gateway.NewServer(cfg, gateway.Deps{
		Bus:        msgBus,
		Sessions:   sessions,
		Nodes:      nodes,
		CronStore:  cronJobs,
		CronSvc:    cronSvc,
		Bridge:     bridgeSrv,
		Manager:    manager,
		WebChat:    webchatCh,
		Activation: pipeline,
		Scheduler:  sched,
		Adapter:    adapter,
		Deliverer:  deliverer,
		Heartbeat:  heartbeats,
		ConfigPath: cfgPath,
	})

	registerChannels(cfg, manager, msgBus, secrets, bridgeSrv, webchatCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter.Start(ctx)
	sched.Start(ctx)

	if err := server.Start(ctx); err != nil {
		return exitWith(exitInvalidArgs, "start gateway: %v", err)
	}
	if err := bridgeSrv.Start(ctx); err != nil {
		slog.Error("bridge start failed", "error", err)
	}
	manager.StartAll(ctx)
	heartbeats.Start(ctx)
	if snap.Cron.Enabled {
		cronSvc.Start(ctx)
	}
	go server.RunConsumer(ctx)

	gateway.OnRestart = func() {
		slog.Info("restart requested, re-executing")
		manager.StopAll(context.Background())
		bridgeSrv.Stop()
		server.Shutdown(context.Background())
		closeLog()
		self, err := os.Executable()
		if err != nil {
			os.Exit(0)
		}
		_ = syscall.Exec(self, os.Args, os.Environ())
		os.Exit(0)
	}

	slog.Info("clawdis gateway started",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"host", snap.Gateway.Host,
		"port", snap.Gateway.Port,
		"bridge", snap.Bridge.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	server.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]string{"reason": sig.String()}))

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	manager.StopAll(shutdownCtx)
	bridgeSrv.Stop()
	server.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// registerChannels adds every enabled transport adapter to the manager.
func registerChannels(cfg *config.Config, manager *channels.Manager, msgBus *bus.MessageBus, secrets *store.SecretStore, bridgeSrv *bridge.Server, webchatCh *webchat.Channel) {
	snap := cfg.Snapshot()

	if tg := snap.Channels.Telegram; tg.Enabled {
		accounts := map[string]*telegram.Channel{}
		if tg.BotToken != "" {
			if ch, err := telegram.New(tg, "", tg.BotToken, msgBus); err != nil {
				slog.Error("telegram init failed", "error", err)
			} else {
				accounts[""] = ch
			}
		}
		for id, acct := range tg.Accounts {
			if acct.BotToken == "" {
				continue
			}
			if ch, err := telegram.New(tg, id, acct.BotToken, msgBus); err != nil {
				slog.Error("telegram init failed", "account", id, "error", err)
			} else {
				accounts[id] = ch
			}
		}
		if len(accounts) > 0 {
			manager.Register(telegram.NewMulti(accounts))
			slog.Info("telegram channel enabled", "accounts", len(accounts))
		}
	}

	if dc := snap.Channels.Discord; dc.Enabled && dc.BotToken != "" {
		if ch, err := discord.New(dc, msgBus); err != nil {
			slog.Error("discord init failed", "error", err)
		} else {
			manager.Register(ch)
			slog.Info("discord channel enabled")
		}
	}

	if wa := snap.Channels.WhatsApp; wa.Enabled {
		manager.Register(whatsapp.New(wa, resolveWhatsAppSocket(), secrets, msgBus))
		slog.Info("whatsapp channel enabled")
	}

	if snap.Channels.WebChat.Enabled {
		manager.Register(webchatCh)
		slog.Info("webchat channel enabled")
	}

	if snap.Bridge.Enabled {
		manager.Register(node.New(bridgeSrv, msgBus))
		slog.Info("node channel enabled")
	}
}

// resolveWhatsAppSocket returns the injected WhatsApp Web socket. The socket
// binary is external; a missing helper leaves the channel registered but
// unlinked so health reporting stays accurate.
func resolveWhatsAppSocket() whatsapp.Socket {
	helper := os.Getenv("CLAWDIS_WHATSAPP_HELPER")
	if helper == "" {
		return nil
	}
	if _, err := exec.LookPath(helper); err != nil {
		slog.Warn("whatsapp helper not found", "helper", helper, "error", err)
		return nil
	}
	return whatsapp.NewHelperSocket(helper)
}
