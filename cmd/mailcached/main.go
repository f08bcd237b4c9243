// mailcached keeps the local mailbox cache in sync with the remote
// mail server and drains the offline mutation queue.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marpies/mailcache/internal/api"
	"github.com/marpies/mailcache/internal/config"
	"github.com/marpies/mailcache/internal/event"
	"github.com/marpies/mailcache/internal/model"
	"github.com/marpies/mailcache/internal/ops"
	"github.com/marpies/mailcache/internal/queue"
	"github.com/marpies/mailcache/internal/session"
	"github.com/marpies/mailcache/internal/store"
	syncengine "github.com/marpies/mailcache/internal/sync"
)

func main() {
	cfgPath := flag.String("config", config.DefaultConfigPath(), "config file path")
	userID := flag.String("user", "", "user id of the session to restore")
	label := flag.String("label", model.LabelInbox, "mailbox label to sync")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*cfgPath, *userID, *label, log); err != nil {
		log.Error("mailcached failed", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath, userID, label string, log *slog.Logger) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.Open(cfg.Storage.QueuePath)
	if err != nil {
		return err
	}

	sessions := session.NewManager(nil)
	if userID != "" {
		if err := sessions.Activate(userID); err != nil {
			return err
		}
	}

	client := api.NewHTTPClient(cfg.API.BaseURL, sessions.Token, cfg.API.Timeout())
	bus := event.NewBus()
	mutations := ops.NewService(st, client, q, sessions, bus, log)

	orch := syncengine.New(syncengine.Options{
		Store:        st,
		Client:       client,
		Sessions:     sessions,
		Mutations:    mutations,
		Bus:          bus,
		Log:          log,
		PageSize:     cfg.Sync.PageSize,
		MaxPages:     cfg.Sync.MaxPages,
		PollInterval: cfg.PollInterval(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logResults(ctx, orch, log)
	go logEvents(ctx, bus.Subscribe(), log)

	orch.LoadMailbox(ctx, label, model.KindForLabel(label))

	log.Info("mailcached started", "label", label, "poll_interval", cfg.PollInterval())
	orch.Run(ctx)
	log.Info("mailcached stopped")
	return nil
}

func logResults(ctx context.Context, orch *syncengine.Orchestrator, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-orch.Results():
			if r.Err != nil {
				log.Warn("mailbox load failed", "label", r.Label, "error", r.Err)
				continue
			}
			attrs := []any{"label", r.Label, "kind", r.Kind, "outcome", r.Outcome}
			if r.Snapshot != nil {
				attrs = append(attrs, "items", len(r.Snapshot.Items))
			}
			if r.Diff != nil {
				attrs = append(attrs,
					"removed", len(r.Diff.Removes),
					"inserted", len(r.Diff.Inserts),
					"updated", len(r.Diff.Updates),
				)
			}
			log.Info("mailbox load settled", attrs...)
		}
	}
}

func logEvents(ctx context.Context, events <-chan event.Event, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e := e.(type) {
			case event.ServerUnreachable:
				log.Warn("server unreachable")
			case event.LoadDidTimeout:
				log.Warn("load timed out")
			case event.VerificationRequired:
				log.Warn("human verification required, mutation queue paused")
			case event.SessionRevoked:
				log.Warn("session revoked", "user", e.UserID)
			case event.ConversationsUpdated:
				log.Info("conversations updated", "count", len(e.IDs))
			case event.MessagesUpdated:
				log.Info("messages updated", "count", len(e.IDs))
			case event.MessageUpdated:
				log.Info("message updated", "id", e.ID)
			}
		}
	}
}
