package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia-battle/go/internal/api"
	"github.com/mcdev12/trivia-battle/go/internal/avatars"
	"github.com/mcdev12/trivia-battle/go/internal/battle"
	"github.com/mcdev12/trivia-battle/go/internal/chat"
	"github.com/mcdev12/trivia-battle/go/internal/config"
	"github.com/mcdev12/trivia-battle/go/internal/lifecycle"
	"github.com/mcdev12/trivia-battle/go/internal/mirror"
	"github.com/mcdev12/trivia-battle/go/internal/natsbridge"
	"github.com/mcdev12/trivia-battle/go/internal/notifications"
	"github.com/mcdev12/trivia-battle/go/internal/pubsub"
	"github.com/mcdev12/trivia-battle/go/internal/realtime"
	"github.com/mcdev12/trivia-battle/go/internal/reconcile"
)

// PathNotifications is the route whose activation refreshes notifications
const PathNotifications = "/notifications"

type Services struct {
	Config        config.Config
	API           *api.Client
	Manager       *realtime.Manager
	Buses         *pubsub.Buses
	Battle        *battle.Session
	Lobby         *battle.Lobby
	Chat          *chat.Room
	Avatars       *avatars.Cache
	Notifications *notifications.Aggregate
	// NotificationTriggers drive the notification refresher
	NotificationTriggers *lifecycle.Triggers
	Bridge               *natsbridge.Bridge

	closers []func()
}

func setupServices(ctx context.Context, cfg config.Config, keyed *mirror.Keyed) (*Services, error) {
	// Wire up dependency injection chain
	// REST client + connection manager → stores and policies → sessions
	clock := clockwork.NewRealClock()

	client := api.NewClient(cfg.APIBaseURL, 30*time.Second)
	client.SetUser(cfg.Username)

	manager, err := realtime.NewManager(cfg.APIBaseURL, realtime.DefaultConnectionConfig(),
		realtime.WithClock(clock),
		realtime.WithPolicy(realtime.ChannelBattle, cfg.BattlePolicy()),
		realtime.WithPolicy(realtime.ChannelChat, cfg.ChatPolicy()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	buses := pubsub.NewBuses()
	s := &Services{
		Config:  cfg,
		API:     client,
		Manager: manager,
		Buses:   buses,
		Avatars: avatars.NewCache(avatars.DefaultCapacity),
	}

	// Notifications
	tracker := reconcile.NewTracker(clock, cfg.SlowActionAfter, func(m reconcile.Mark) {
		buses.SoftErrors.Publish(&reconcile.SoftError{Op: m.Key, Err: fmt.Errorf("still waiting after %s", cfg.SlowActionAfter)})
	})
	s.Notifications = notifications.NewAggregate(client, tracker, buses, cfg.BatchOptions())
	notificationRefresher := lifecycle.NewRefresher(clock, cfg.RefreshDebounce, 10*time.Second, s.Notifications.Refresh)
	s.closers = append(s.closers, notificationRefresher.Close)
	s.Notifications.OnStale(func() { notificationRefresher.Request(lifecycle.RefreshRequested) })
	s.NotificationTriggers = lifecycle.NewTriggers(notificationRefresher, PathNotifications)

	// Battle
	battleCfg := battle.DefaultConfig(cfg.Username)
	battleCfg.Store = cfg.SessionConfig()
	battleCfg.RefreshDebounce = cfg.RefreshDebounce
	battleCfg.SlowAfter = cfg.SlowActionAfter
	s.Battle = battle.NewSession(battleCfg, battle.Deps{
		Manager:       manager,
		API:           client,
		Keyed:         keyed,
		Buses:         buses,
		Notifications: s.Notifications,
		Clock:         clock,
	})
	s.closers = append(s.closers, s.Battle.Close)

	// Lobby, which also carries the user's notification pushes
	s.Lobby = battle.NewLobby(manager, cfg.Username, buses)
	s.Lobby.Dispatcher().Register(s.Notifications.ApplyPush)
	s.closers = append(s.closers, s.Lobby.Close)
	unsubscribe := buses.WaitingBattlesChanged.Subscribe(func(struct{}) {
		go s.prefetchAvatars(ctx)
	})
	s.closers = append(s.closers, unsubscribe)

	// Chat
	s.Chat = chat.NewRoom(manager, clock, cfg.ChatRoom, cfg.Username, chat.DefaultConfig())
	s.closers = append(s.closers, s.Chat.Close)

	// The identity is known up front; this also performs the first refresh
	for _, t := range []*lifecycle.Triggers{s.Battle.Triggers(), s.NotificationTriggers} {
		t.Fire(lifecycle.Event{Trigger: lifecycle.IdentityChange, Identity: cfg.Username})
	}

	if cfg.NATS.URL != "" {
		bridge, err := natsbridge.Connect(cfg.NATSConfig(), s.Battle.Triggers(), s.NotificationTriggers)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Bridge = bridge
		s.closers = append(s.closers, func() {
			if err := bridge.Close(); err != nil {
				log.Warn().Err(err).Msg("refresh bridge close failed")
			}
		})
	}

	return s, nil
}

// Start opens the long lived channels
func (s *Services) Start() error {
	if err := s.Lobby.Open(); err != nil {
		return fmt.Errorf("failed to open lobby: %w", err)
	}
	if err := s.Chat.Open(nil); err != nil {
		return fmt.Errorf("failed to open chat room %s: %w", s.Config.ChatRoom, err)
	}
	return nil
}

// Fire hands a host lifecycle event to every trigger table
func (s *Services) Fire(ev lifecycle.Event) map[string]lifecycle.Action {
	return map[string]lifecycle.Action{
		"battle":        s.Battle.Triggers().Fire(ev),
		"notifications": s.NotificationTriggers.Fire(ev),
	}
}

func (s *Services) prefetchAvatars(ctx context.Context) {
	var usernames []string
	for _, b := range s.Lobby.Battles() {
		usernames = append(usernames, b.Creator)
	}
	for _, inv := range s.Notifications.Invitations() {
		usernames = append(usernames, inv.From)
	}
	if len(usernames) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := s.Avatars.Prefetch(ctx, usernames, s.API, s.Config.BatchOptions()); err != nil {
		log.Debug().Err(err).Msg("avatar prefetch did not complete")
	}
}

// Close stops everything in reverse setup order
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.Manager.CloseAll()
}
