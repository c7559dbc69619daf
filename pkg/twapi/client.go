// Copyright 2024-2026 Aiku AI

package twapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the REST API root.
	DefaultBaseURL = "https://api.twitter.com/1.1"
	// DefaultTokenURL is the OAuth2 client-credentials endpoint.
	DefaultTokenURL = "https://api.twitter.com/oauth2/token"
	// DefaultStreamURL is the user stream root.
	DefaultStreamURL = "https://userstream.twitter.com/1.1"
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter api: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsAuth reports whether the error indicates invalid or revoked credentials.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// BearerSource fetches an application-only bearer token via the OAuth2
// client-credentials flow.
type BearerSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
}

// Fetch requests a fresh bearer token.
func (bs *BearerSource) Fetch(ctx context.Context) (string, error) {
	tokenURL := bs.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	cfg := clientcredentials.Config{
		ClientID:     bs.ClientID,
		ClientSecret: bs.ClientSecret,
		TokenURL:     tokenURL,
	}
	if bs.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, bs.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("bearer token request: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}
	return tok.AccessToken, nil
}

// Client is a thin REST client for the platform. A client is authenticated
// either with an app-only bearer token or with a user access token; the two
// behave identically at this layer.
type Client struct {
	baseURL   string
	streamURL string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// ClientOpts tunes optional client behavior.
type ClientOpts struct {
	BaseURL    string
	StreamURL  string
	HTTPClient *http.Client
	// Limiter throttles outgoing calls. Nil means no throttling.
	Limiter *rate.Limiter
	Log     zerolog.Logger
}

// NewClient creates a client using the given token for authentication.
func NewClient(token string, opts ClientOpts) *Client {
	c := &Client{
		baseURL:   opts.BaseURL,
		streamURL: opts.StreamURL,
		token:     token,
		http:      opts.HTTPClient,
		limiter:   opts.Limiter,
		log:       opts.Log,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.streamURL == "" {
		c.streamURL = DefaultStreamURL
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	return c
}

// Token returns the token the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, form, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	reqURL := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// VerifyBearer makes a cheap authenticated probe call suitable for app-only
// bearer tokens, which cannot use the account verification endpoint.
func (c *Client) VerifyBearer(ctx context.Context) error {
	q := url.Values{"resources": {"application"}}
	return c.get(ctx, "/application/rate_limit_status.json", q, nil)
}

// VerifyCredentials checks the client's token against the platform and
// returns the authenticated account.
func (c *Client) VerifyCredentials(ctx context.Context) (*User, error) {
	var user User
	if err := c.get(ctx, "/account/verify_credentials.json", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserByID fetches a profile by account id.
func (c *Client) UserByID(ctx context.Context, userID string) (*User, error) {
	q := url.Values{"user_id": {userID}}
	var user User
	if err := c.get(ctx, "/users/show.json", q, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserByScreenName fetches a profile by handle.
func (c *Client) UserByScreenName(ctx context.Context, screenName string) (*User, error) {
	q := url.Values{"screen_name": {screenName}}
	var user User
	if err := c.get(ctx, "/users/show.json", q, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserTimeline fetches up to count tweets from the given account, newest
// first. A non-empty sinceID is an exclusive lower bound.
func (c *Client) UserTimeline(ctx context.Context, userID, sinceID string, count int) ([]Tweet, error) {
	q := url.Values{
		"user_id":    {userID},
		"count":      {strconv.Itoa(count)},
		"tweet_mode": {"extended"},
	}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var tweets []Tweet
	if err := c.get(ctx, "/statuses/user_timeline.json", q, &tweets); err != nil {
		return nil, err
	}
	return tweets, nil
}

// SearchTweets runs a hashtag/keyword search, newest first. A non-empty
// sinceID is an exclusive lower bound.
func (c *Client) SearchTweets(ctx context.Context, query, sinceID string, count int) ([]Tweet, error) {
	q := url.Values{
		"q":           {query},
		"count":       {strconv.Itoa(count)},
		"result_type": {"recent"},
		"tweet_mode":  {"extended"},
	}
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var result struct {
		Statuses []Tweet `json:"statuses"`
	}
	if err := c.get(ctx, "/search/tweets.json", q, &result); err != nil {
		return nil, err
	}
	return result.Statuses, nil
}

// GetTweet fetches a single tweet by id.
func (c *Client) GetTweet(ctx context.Context, tweetID string) (*Tweet, error) {
	q := url.Values{
		"id":         {tweetID},
		"tweet_mode": {"extended"},
	}
	var tweet Tweet
	if err := c.get(ctx, "/statuses/show.json", q, &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

// PostStatus posts a new tweet, optionally as a reply.
func (c *Client) PostStatus(ctx context.Context, text, inReplyTo string) (*Tweet, error) {
	form := url.Values{"status": {text}}
	if inReplyTo != "" {
		form.Set("in_reply_to_status_id", inReplyTo)
		form.Set("auto_populate_reply_metadata", "false")
	}
	var tweet Tweet
	if err := c.post(ctx, "/statuses/update.json", form, &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

// PostDM sends a direct message to the given account.
func (c *Client) PostDM(ctx context.Context, recipientID, text string) error {
	form := url.Values{
		"user_id": {recipientID},
		"text":    {text},
	}
	return c.post(ctx, "/direct_messages/new.json", form, nil)
}

// DownloadMedia fetches a media attachment and returns its bytes and
// content type.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: "media download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
