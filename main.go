package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/kerpopule/terminal-tunnel/src/api"
	"github.com/kerpopule/terminal-tunnel/src/handler/proxy"
	"github.com/kerpopule/terminal-tunnel/src/handler/terminal"
	"github.com/kerpopule/terminal-tunnel/src/handler/ws"
	"github.com/kerpopule/terminal-tunnel/src/lib"
	"github.com/kerpopule/terminal-tunnel/src/store"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found")
	}

	stateDir, err := store.DefaultDir()
	if err != nil {
		logrus.Fatalf("Failed to prepare state directory: %v", err)
	}

	cfg := lib.LoadConfig(stateDir)
	setupLogging(cfg.LogFile)

	tabs, err := store.NewTabStore(stateDir)
	if err != nil {
		logrus.Fatalf("Failed to load tab index: %v", err)
	}
	settings, err := store.NewSettingsStore(stateDir)
	if err != nil {
		logrus.Fatalf("Failed to load pin settings: %v", err)
	}
	favorites, err := store.NewCollectionStore(stateDir, "favorites.json")
	if err != nil {
		logrus.Fatalf("Failed to load favorites: %v", err)
	}
	commands, err := store.NewCollectionStore(stateDir, "commands.json")
	if err != nil {
		logrus.Fatalf("Failed to load commands: %v", err)
	}

	// Sessions do not outlive the daemon: stale bindings from the last
	// run are cleared before any client connects.
	if _, err := tabs.ClearSessions(); err != nil {
		logrus.Warnf("Failed to clear stale tab sessions: %v", err)
	}

	adapter := ws.NewAdapter(tabs, favorites, commands)
	hub := terminal.NewHub(terminal.HubConfig{
		Shell:          cfg.Shell,
		ScrollbackSize: cfg.ScrollbackSize,
		IdleTimeout:    time.Duration(cfg.IdleTimeoutMinutes) * time.Minute,
	}, adapter)
	adapter.BindHub(hub)

	preview := proxy.NewPreview(cfg.SiblingPort)

	// Re-broadcast state files edited outside the daemon.
	watcher, err := store.NewWatcher(stateDir)
	if err != nil {
		logrus.Warnf("State directory watch unavailable: %v", err)
	} else {
		watcher.Watch("tabs.json", tabs.LastWriteAt, func() {
			if _, err := tabs.Reload(); err == nil {
				adapter.BroadcastTabs()
			}
		})
		watcher.Watch("favorites.json", favorites.LastWriteAt, func() {
			if _, err := favorites.Reload(); err == nil {
				adapter.BroadcastFavorites()
			}
		})
		watcher.Watch("commands.json", commands.LastWriteAt, func() {
			if _, err := commands.Reload(); err == nil {
				adapter.BroadcastCommands()
			}
		})
	}

	router := api.SetupRouter(api.Deps{
		Adapter:   adapter,
		Preview:   preview,
		Tabs:      tabs,
		Settings:  settings,
		Favorites: favorites,
		Commands:  commands,
		OwnPort:   cfg.Port,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := listen(addr, cfg.Port)
	if err != nil {
		logrus.Errorf("Failed to bind %s: %v", addr, err)
		os.Exit(1)
	}

	server := &http.Server{Handler: router}

	go func() {
		logrus.Infof("terminal-tunnel daemon listening on %s", addr)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	hub.Shutdown()
	if watcher != nil {
		_ = watcher.Close()
	}
}

// listen binds the daemon port. When the address is taken, a stale
// daemon from a previous run is the usual culprit: clear the port once
// and retry before giving up.
func listen(addr string, port int) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err == nil {
		return listener, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	logrus.Warnf("Port %d in use, attempting to clear it", port)
	if _, killErr := proxy.KillPort(port); killErr != nil {
		logrus.Warnf("Could not clear port %d: %v", port, killErr)
	}
	time.Sleep(500 * time.Millisecond)
	return net.Listen("tcp", addr)
}

// setupLogging directs logs to the optional server-side log file.
func setupLogging(logFile string) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if logFile == "" {
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logrus.Warnf("Cannot open log file %s: %v", logFile, err)
		return
	}
	logrus.SetOutput(f)
}
