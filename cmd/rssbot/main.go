// Command rssbot is the daemon entrypoint: it wires configuration,
// logging, metrics, persistence, the remote API clients, the feed
// fetcher, and the scheduler together and runs the main loop forever
// (spec.md §4.F). Grounded in the teacher's main.go startup sequence
// (load config, build dependencies, start an HTTP metrics listener,
// run until signalled).
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/andrewmoise/rssbot/internal/commands"
	"github.com/andrewmoise/rssbot/internal/config"
	"github.com/andrewmoise/rssbot/internal/feed"
	"github.com/andrewmoise/rssbot/internal/lemmyapi"
	"github.com/andrewmoise/rssbot/internal/normalize"
	"github.com/andrewmoise/rssbot/internal/obsmetrics"
	"github.com/andrewmoise/rssbot/internal/rlog"
	"github.com/andrewmoise/rssbot/internal/scheduler"
	"github.com/andrewmoise/rssbot/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rssbot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := rlog.New(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	metrics := obsmetrics.New()
	metrics.Register()
	go func() {
		if err := http.ListenAndServe(cfg.Metrics.Addr, obsmetrics.Handler()); err != nil {
			logger.WithError(err).Error("metrics listener exited")
		}
	}()

	st, err := store.Open(cfg.Database.GetConnectionString())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clients, identities, err := buildClients(&cfg.Lemmy, logger)
	if err != nil {
		return fmt.Errorf("build api clients: %w", err)
	}

	fetcher := feed.New(cfg.App.UserAgent, logger, metrics)
	blacklist := normalize.DefaultBlacklist()
	cmdProcessor := commands.New(st, clients, cfg.Lemmy.Server, logger, metrics)
	sched := scheduler.New(st, fetcher, clients, cmdProcessor, blacklist, metrics, logger, identities)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportDBConnections(ctx, st.DB(), metrics)

	logger.Info("rssbot starting")
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	logger.Info("rssbot shutting down")
	return nil
}

// reportDBConnections samples the connection pool every 30s, matching
// the teacher's main.go "database metrics updater" goroutine.
func reportDBConnections(ctx context.Context, db *sql.DB, metrics *obsmetrics.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.UpdateDBConnections(stats.OpenConnections, stats.InUse, stats.Idle)
		}
	}
}

// buildClients constructs one lemmyapi.Client per configured bot
// identity, skipping identities with no username configured
// (spec.md §9: "three bot identities ... a map from identity tag to an
// API-client instance").
func buildClients(cfg *config.LemmyConfig, logger *logrus.Logger) (map[config.BotIdentity]*lemmyapi.Client, []config.BotIdentity, error) {
	clients := make(map[config.BotIdentity]*lemmyapi.Client)
	var identities []config.BotIdentity

	for _, identity := range []config.BotIdentity{config.BotFree, config.BotPaywall, config.BotBot} {
		if cfg.Usernames[identity] == "" {
			continue
		}
		client, err := lemmyapi.New(cfg, identity, logger, promptPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("identity %q: %w", identity, err)
		}
		clients[identity] = client
		identities = append(identities, identity)
	}
	return clients, identities, nil
}

// promptPassword asks the operator for a password on the controlling
// terminal, falling back to a plain stdin read when not attached to a
// tty (e.g. under a supervisor with a piped credential).
func promptPassword(username, server string) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", username, server)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
