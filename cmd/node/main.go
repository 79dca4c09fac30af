package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/broadcast"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/config"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/gateway"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/lobby"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/models"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/narrate"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/protocol"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/reconcile"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/session"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/store"
	"github.com/VTTRPG-Team/vttrpg-platform-sub000/internal/turn"
)

func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("node exited")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.NewPostgres(pool, log)
	if err := st.Init(ctx); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	transport := broadcast.NewRedisTransport(rdb, log)

	self := models.Participant{
		ID:          uuid.New(),
		DisplayName: cfg.ParticipantName,
		Role:        models.Role(cfg.ParticipantRole),
	}

	sess, err := resolveSession(ctx, st, cfg, self)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"session": sess.ID,
		"role":    self.Role,
	}).Info("joining session")

	rec := reconcile.New(st, sess.ID, log)
	go rec.Run(ctx)

	machine := session.NewMachine(sess, log)
	node := session.NewNode(machine, transport, broadcast.SessionChannel(sess.ID.String()), log)
	node.PersistFn = rec.Persist
	machine.OnSessionSaved = func() { rec.SaveStatus(models.SessionSaved) }

	// Durable past first, live stream second.
	boot, err := rec.Load(ctx)
	if err != nil {
		return err
	}
	reconcile.Seed(boot, machine.Apply, machine.AddParticipant)
	if err := node.Run(ctx); err != nil {
		return err
	}

	// Only the node carrying GM duty runs the orchestrator.
	var orch *turn.Orchestrator
	narratesHere := (cfg.AIGameMaster && self.Role == models.RoleHost) ||
		(!cfg.AIGameMaster && cfg.GMName == self.DisplayName)
	if narratesHere && cfg.NarrateURL != "" {
		narrator, err := buildLadder(cfg, log)
		if err != nil {
			return err
		}
		orch = turn.NewOrchestrator(node, narrator, log)
		orch.GMName = cfg.GMName
		if cfg.ImageURL != "" {
			orch.SetImageGenerator(&narrate.ImageGenerator{URL: cfg.ImageURL, APIKey: cfg.NarrateAPIKey})
		}
	}

	lob := lobby.New(sess.ID, sess.MaxParticipants, self, node.Origin, transport, log)
	lob.PersistJoin = rec.SaveParticipant
	lob.PersistLeave = rec.DropParticipant
	lob.PersistReady = rec.SaveReady
	lob.PersistChat = func(ev models.ChatEvent) {
		rec.Persist(&protocol.Chat{Event: ev})
	}
	lob.OnStarted = func() {
		machine.SetStatus(models.SessionPlaying)
		rec.SaveStatus(models.SessionPlaying)
		for _, p := range lob.Participants() {
			machine.AddParticipant(p)
		}
		if orch != nil {
			names := make([]string, 0, len(lob.Participants()))
			for _, p := range lob.Participants() {
				if p.Role != models.RoleSpectator {
					names = append(names, p.DisplayName)
				}
			}
			orch.Bootstrap(ctx)
			orch.OpenRound(ctx, names)
		}
	}
	if err := lob.Run(ctx); err != nil {
		return err
	}

	if len(cfg.InviteSecret) > 0 && self.Role == models.RoleHost {
		token, err := lobby.NewInviteToken(cfg.InviteSecret, sess.ID, cfg.InviteTTL)
		if err != nil {
			return err
		}
		log.WithField("invite", token).Info("invite token for this session")
	}

	// Surface remote durable changes so a future UI can refresh views.
	go watchStore(ctx, st, sess.ID, log)

	gw := gateway.New(node, orch, self, log)
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()

	log.WithField("addr", cfg.ListenAddr).Info("ui gateway listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// resolveSession loads the session to join, or creates one when hosting.
func resolveSession(ctx context.Context, st store.Store, cfg config.Config, self models.Participant) (models.Session, error) {
	if cfg.SessionID != uuid.Nil {
		sess, err := st.GetSession(ctx, cfg.SessionID)
		if err != nil {
			return models.Session{}, err
		}
		// A saved session reopens in the lobby on reload.
		if sess.Status == models.SessionSaved {
			sess.Status = models.SessionWaiting
			if err := st.UpdateSessionStatus(ctx, sess.ID, sess.Status); err != nil {
				return models.Session{}, err
			}
		}
		return sess, nil
	}

	gmKind := models.GMAI
	if !cfg.AIGameMaster {
		gmKind = models.GMHuman
	}
	sess := models.Session{
		ID:              uuid.New(),
		HostID:          self.ID,
		Status:          models.SessionWaiting,
		GMKind:          gmKind,
		MaxParticipants: cfg.MaxParticipants,
		CreatedAt:       time.Now().UTC(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// buildLadder assembles the narration fallback ladder, best tier first.
func buildLadder(cfg config.Config, log *logrus.Logger) (narrate.Service, error) {
	tiers := make([]narrate.Tier, 0, len(cfg.NarrateModels))
	for _, model := range cfg.NarrateModels {
		client, err := narrate.NewHTTPClient(narrate.HTTPClientConfig{
			GenerateURL: cfg.NarrateURL,
			Model:       model,
			APIKey:      cfg.NarrateAPIKey,
		})
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, narrate.Tier{Name: model, Service: client})
	}
	return narrate.NewLadder(log, tiers...), nil
}

func watchStore(ctx context.Context, st store.Store, sessionID uuid.UUID, log *logrus.Logger) {
	changes, err := st.Watch(ctx, sessionID)
	if err != nil {
		log.WithError(err).Warn("store change feed unavailable")
		return
	}
	for change := range changes {
		log.WithFields(logrus.Fields{
			"table": change.Table,
			"op":    change.Op,
		}).Debug("durable row changed")
	}
}
