// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-twitter/pkg/bridge"
	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/telemetry"
)

// TwitterConnector is the assembled bridge core: client factory, inbound
// pipeline, feed scheduler, outbound router, room router, stream supervisor
// and the provisioning API, all sharing one store and bridge runtime.
type TwitterConnector struct {
	Config    *Config
	Store     storage.Store
	Bridge    bridge.API
	Clients   *ClientFactory
	Pipeline  *TweetPipeline
	Scheduler *FeedScheduler
	Outbound  *OutboundRouter
	Rooms     *RoomTypeRouter
	Streams   *StreamSupervisor

	log    zerolog.Logger
	server *http.Server
}

// New wires a connector from its dependencies. Call Start to bring it up.
func New(cfg *Config, store storage.Store, api bridge.API, log zerolog.Logger) *TwitterConnector {
	clients := NewClientFactory(cfg, store, log)
	pipeline := NewTweetPipeline(cfg, api, log)
	scheduler := NewFeedScheduler(cfg, store, clients, pipeline, api, log)
	outbound := NewOutboundRouter(cfg, store, clients, api, log)
	rooms := NewRoomTypeRouter(cfg, store, api, clients, outbound, scheduler, log)
	streams := NewStreamSupervisor(cfg, store, clients, pipeline, api, log)
	return &TwitterConnector{
		Config:    cfg,
		Store:     store,
		Bridge:    api,
		Clients:   clients,
		Pipeline:  pipeline,
		Scheduler: scheduler,
		Outbound:  outbound,
		Rooms:     rooms,
		Streams:   streams,
		log:       log.With().Str("component", "connector").Logger(),
	}
}

// Start brings the bridge core up: app credentials are validated first and
// a failure there is fatal, then persisted feeds are restored and the poll
// queues, streams and the provisioning API started.
func (c *TwitterConnector) Start(ctx context.Context) error {
	telemetry.Init()

	if _, err := c.Clients.AppClient(ctx); err != nil {
		return fmt.Errorf("application credentials check failed: %w", err)
	}

	if err := c.seedFeeds(ctx); err != nil {
		return fmt.Errorf("restore feeds: %w", err)
	}

	c.Pipeline.Start(ctx)
	if c.Config.Feeds.EnableTimelines {
		if err := c.Scheduler.StartTimelines(ctx); err != nil {
			return err
		}
	}
	if c.Config.Feeds.EnableHashtags {
		if err := c.Scheduler.StartHashtags(ctx); err != nil {
			return err
		}
	}
	if err := c.Scheduler.StartEmptyRoomWatch(ctx); err != nil {
		return err
	}

	if err := c.Streams.AttachAll(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to attach user streams")
	}

	c.Bridge.OnEvent(c.Rooms.DispatchEvent)
	go func() {
		if err := c.Bridge.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error().Err(err).Msg("Matrix sync ended")
		}
	}()

	provisioning := NewProvisioningAPI(c.Store, c.Scheduler, c.log)
	c.server = &http.Server{
		Addr:         c.Config.ProvisioningAddr,
		Handler:      provisioning.Mux(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		c.log.Info().Str("addr", c.Config.ProvisioningAddr).Msg("Starting provisioning API")
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("Provisioning API error")
		}
	}()

	c.log.Info().Msg("Bridge core started")
	return nil
}

// seedFeeds re-registers the persisted room links with the scheduler.
// Restored feeds are not "new": they keep their cursors and get no
// empty-room suppression bypass.
func (c *TwitterConnector) seedFeeds(ctx context.Context) error {
	links, err := c.Store.ListRoomLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		switch link.Type {
		case RoomTypeTimeline:
			if _, err := c.Scheduler.AddTimeline(link.RemoteID, link.RoomID, true); err != nil {
				c.log.Warn().Err(err).
					Str("room_id", string(link.RoomID)).
					Str("remote_id", link.RemoteID).
					Msg("Skipping invalid stored timeline link")
			}
		case RoomTypeHashtag:
			if _, err := c.Scheduler.AddHashtag(link.RemoteID, link.RoomID, true); err != nil {
				c.log.Warn().Err(err).
					Str("room_id", string(link.RoomID)).
					Str("remote_id", link.RemoteID).
					Msg("Skipping invalid stored hashtag link")
			}
		}
	}
	return nil
}

// Stop shuts the connector down in reverse order of Start. The store is
// left open for the caller to close.
func (c *TwitterConnector) Stop(ctx context.Context) {
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.log.Warn().Err(err).Msg("Provisioning API shutdown error")
		}
	}
	c.Streams.DetachAll()
	if c.Config.Feeds.EnableTimelines {
		if err := c.Scheduler.StopTimelines(); err != nil {
			c.log.Warn().Err(err).Msg("Stopping timeline queue")
		}
	}
	if c.Config.Feeds.EnableHashtags {
		if err := c.Scheduler.StopHashtags(); err != nil {
			c.log.Warn().Err(err).Msg("Stopping hashtag queue")
		}
	}
	if err := c.Scheduler.StopEmptyRoomWatch(); err != nil {
		c.log.Warn().Err(err).Msg("Stopping empty-room watch")
	}
	c.Pipeline.Stop()
	c.log.Info().Msg("Bridge core stopped")
}
