// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-twitter/pkg/storage"
	"github.com/aiku/mautrix-twitter/pkg/twapi"
)

// twitterAPI is the slice of the platform client the connector uses. Tests
// inject mocks; production code wraps *twapi.Client.
type twitterAPI interface {
	VerifyBearer(ctx context.Context) error
	VerifyCredentials(ctx context.Context) (*twapi.User, error)
	UserByID(ctx context.Context, userID string) (*twapi.User, error)
	UserByScreenName(ctx context.Context, screenName string) (*twapi.User, error)
	UserTimeline(ctx context.Context, userID, sinceID string, count int) ([]twapi.Tweet, error)
	SearchTweets(ctx context.Context, query, sinceID string, count int) ([]twapi.Tweet, error)
	GetTweet(ctx context.Context, tweetID string) (*twapi.Tweet, error)
	PostStatus(ctx context.Context, text, inReplyTo string) (*twapi.Tweet, error)
	PostDM(ctx context.Context, recipientID, text string) error
	DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
	OpenUserStream(ctx context.Context) (*twapi.Stream, error)
}

var _ twitterAPI = (*twapi.Client)(nil)

// userFreshness is how long a verified per-user client is trusted before
// its credentials are re-checked.
const userFreshness = 60 * time.Second

type userClientEntry struct {
	client     twitterAPI
	account    *storage.Account
	verifiedAt time.Time
}

// ClientFactory hands out authenticated platform clients: one shared
// app-only client and cached per-user clients with periodic re-validation.
type ClientFactory struct {
	cfg   *Config
	store storage.Store
	log   zerolog.Logger

	bearer     *twapi.BearerSource
	httpClient *http.Client
	// newClient builds a client from a token; replaceable in tests.
	newClient func(token string) twitterAPI

	mu    sync.Mutex
	app   twitterAPI
	users map[id.UserID]*userClientEntry
	now   func() time.Time
}

// NewClientFactory creates a factory from the connector config.
func NewClientFactory(cfg *Config, store storage.Store, log zerolog.Logger) *ClientFactory {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	f := &ClientFactory{
		cfg:   cfg,
		store: store,
		log:   log.With().Str("component", "client_factory").Logger(),
		bearer: &twapi.BearerSource{
			ClientID:     cfg.Twitter.ClientID,
			ClientSecret: cfg.Twitter.ClientSecret,
			HTTPClient:   httpClient,
		},
		httpClient: httpClient,
		users:      make(map[id.UserID]*userClientEntry),
		now:        time.Now,
	}
	f.newClient = func(token string) twitterAPI {
		return twapi.NewClient(token, twapi.ClientOpts{
			HTTPClient: httpClient,
			Limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
			Log:        f.log,
		})
	}
	return f
}

// AppClient returns the shared application-level client, acquiring and
// validating the bearer token on first use. A validation failure that is
// not an auth error is fatal: the platform is reachable but rejecting us
// for an unexpected reason.
func (f *ClientFactory) AppClient(ctx context.Context) (twitterAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.app != nil {
		return f.app, nil
	}

	token := f.readBearerFile()
	if token != "" {
		client := f.newClient(token)
		err := client.VerifyBearer(ctx)
		if err == nil {
			f.app = client
			return client, nil
		}
		var apiErr *twapi.APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			return nil, fmt.Errorf("bearer token validation failed: %w", err)
		}
		f.log.Info().Msg("Persisted bearer token rejected, requesting a fresh one")
	}

	token, err := f.bearer.Fetch(ctx)
	if err != nil {
		return nil, &AuthError{Cause: err}
	}
	f.persistBearerFile(token)

	client := f.newClient(token)
	if err := client.VerifyBearer(ctx); err != nil {
		return nil, fmt.Errorf("fresh bearer token validation failed: %w", err)
	}
	f.app = client
	return client, nil
}

func (f *ClientFactory) readBearerFile() string {
	data, err := os.ReadFile(f.cfg.Twitter.BearerTokenFile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// persistBearerFile is best-effort: re-acquisition is cheap, so a write
// failure is logged rather than surfaced.
func (f *ClientFactory) persistBearerFile(token string) {
	if err := os.WriteFile(f.cfg.Twitter.BearerTokenFile, []byte(token), 0o600); err != nil {
		f.log.Warn().Err(err).
			Str("path", f.cfg.Twitter.BearerTokenFile).
			Msg("Failed to persist bearer token")
	}
}

// UserClient returns a verified client for the given Matrix user's linked
// account. Credentials older than userFreshness are re-validated; an
// invalid cached entry is dropped and verification retried once.
func (f *ClientFactory) UserClient(ctx context.Context, userMXID id.UserID) (twitterAPI, *storage.Account, error) {
	return f.userClient(ctx, userMXID, false)
}

func (f *ClientFactory) userClient(ctx context.Context, userMXID id.UserID, retried bool) (twitterAPI, *storage.Account, error) {
	f.mu.Lock()
	entry, ok := f.users[userMXID]
	if ok && f.now().Sub(entry.verifiedAt) < userFreshness {
		f.mu.Unlock()
		return entry.client, entry.account, nil
	}
	f.mu.Unlock()

	account, err := f.store.GetAccount(ctx, userMXID)
	if err != nil {
		return nil, nil, fmt.Errorf("load account for %s: %w", userMXID, err)
	}
	if account == nil {
		return nil, nil, &AuthError{Cause: fmt.Errorf("no linked account for %s", userMXID)}
	}

	client := f.newClient(account.AccessToken)
	profile, err := client.VerifyCredentials(ctx)
	if err != nil {
		f.mu.Lock()
		delete(f.users, userMXID)
		f.mu.Unlock()
		classified := classifyRemoteError(err)
		var authErr *AuthError
		if errors.As(classified, &authErr) && !retried {
			// One retry covers a token rotated underneath the cache; more
			// would mask a revoked grant.
			return f.userClient(ctx, userMXID, true)
		}
		return nil, nil, classified
	}

	if account.ScreenName != profile.ScreenName {
		account.ScreenName = profile.ScreenName
		if perr := f.store.PutAccount(ctx, account); perr != nil {
			f.log.Warn().Err(perr).Str("mxid", string(userMXID)).Msg("Failed to update account screen name")
		}
	}

	f.mu.Lock()
	f.users[userMXID] = &userClientEntry{
		client:     client,
		account:    account,
		verifiedAt: f.now(),
	}
	f.mu.Unlock()

	go f.refreshProfile(account.TwitterID, profile)

	return client, account, nil
}

// Invalidate drops a cached user client, forcing re-verification on next use.
func (f *ClientFactory) Invalidate(userMXID id.UserID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userMXID)
}

// refreshProfile writes a freshly verified profile through to the cache.
// Fire-and-forget; verification already succeeded so failures here only
// affect cache freshness.
func (f *ClientFactory) refreshProfile(twitterID string, user *twapi.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := f.store.PutProfile(ctx, &storage.Profile{
		TwitterID:  twitterID,
		ScreenName: user.ScreenName,
		Name:       user.Name,
		AvatarURL:  user.ProfileImageURL,
		UpdatedAt:  f.now(),
	})
	if err != nil {
		f.log.Warn().Err(err).Str("twitter_id", twitterID).Msg("Failed to refresh profile cache")
	}
}

// Profile returns a cached profile for a remote account, fetching and
// caching it through the app client when missing or stale.
func (f *ClientFactory) Profile(ctx context.Context, twitterID string) (*storage.Profile, error) {
	profile, err := f.store.GetProfileByID(ctx, twitterID)
	if err != nil {
		return nil, err
	}
	if profile != nil && !profile.Stale(24*time.Hour) {
		return profile, nil
	}

	client, err := f.AppClient(ctx)
	if err != nil {
		return nil, err
	}
	user, err := client.UserByID(ctx, twitterID)
	if err != nil {
		if profile != nil {
			// Serve stale rather than fail.
			return profile, nil
		}
		return nil, classifyRemoteError(err)
	}
	profile = &storage.Profile{
		TwitterID:  user.ID,
		ScreenName: user.ScreenName,
		Name:       user.Name,
		AvatarURL:  user.ProfileImageURL,
		UpdatedAt:  f.now(),
	}
	if err := f.store.PutProfile(ctx, profile); err != nil {
		f.log.Warn().Err(err).Str("twitter_id", twitterID).Msg("Failed to cache profile")
	}
	return profile, nil
}
