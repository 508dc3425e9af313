package syncapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/treesync/internal/syncmsg"
	"github.com/openmined/treesync/internal/version"
	"github.com/openmined/treesync/internal/wsproto"
)

const (
	requestTimeout       = 60 * time.Second
	dialTimeout          = 15 * time.Second
	wsClientMaxFrameSize = 64 * 1024 * 1024
)

// Config is the configuration for Client
type Config struct {
	ServerURL   string // ServerURL is required
	AppID       string // AppID is required
	AccessToken string // AccessToken is optional for dev servers
	Encoding    wsproto.Encoding
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("syncapi: invalid server url: %w", err)
	}
	if c.AppID == "" {
		return ErrNoAppID
	}
	return nil
}

// Client talks to the sync server of a single app.
type Client struct {
	config    *Config
	http      *req.Client
	header    http.Header
	sessionId string
}

// New creates a new Client
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config:    config,
		sessionId: uuid.NewString(),
	}

	c.header = http.Header{}
	c.header.Set(HeaderUserAgent, version.UserAgent())
	c.header.Set(HeaderTreesyncVersion, version.Version)
	c.header.Set(HeaderDeviceId, deviceID())
	c.header.Set(HeaderSessionId, c.sessionId)
	if config.AccessToken != "" {
		c.header.Set("Authorization", "Bearer "+config.AccessToken)
	}

	c.http = req.C().
		SetBaseURL(strings.TrimSuffix(config.ServerURL, "/")).
		SetTimeout(requestTimeout).
		SetCommonRetryCount(3).
		SetCommonRetryFixedInterval(1*time.Second).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderTreesyncVersion, version.Version).
		SetCommonHeader(HeaderDeviceId, c.header.Get(HeaderDeviceId)).
		SetCommonHeader(HeaderSessionId, c.sessionId).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	if config.AccessToken != "" {
		c.http.SetCommonBearerAuthToken(config.AccessToken)
	}

	return c, nil
}

// SessionID identifies this client instance to the server.
func (c *Client) SessionID() string {
	return c.sessionId
}

// CurrentVersion returns the latest version of the remote tree.
func (c *Client) CurrentVersion(ctx context.Context) (syncmsg.Version, error) {
	var resp VersionResponse

	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("app", c.config.AppID).
		SetSuccessResult(&resp).
		Get(v1Version)

	if err := handleAPIError(res, err, "current version"); err != nil {
		return syncmsg.ZeroVersion, err
	}

	return syncmsg.ParseVersion(resp.Version.String())
}

// Publish sends a batch of local changes and returns the version the server assigned to it.
func (c *Client) Publish(ctx context.Context, batch *syncmsg.ChangeBatch) (syncmsg.Version, error) {
	var resp VersionResponse

	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("app", c.config.AppID).
		SetBody(batch).
		SetSuccessResult(&resp).
		Post(v1Changes)

	if err := handleAPIError(res, err, "publish"); err != nil {
		return syncmsg.ZeroVersion, err
	}

	return syncmsg.ParseVersion(resp.Version.String())
}

// Subscribe opens a change stream starting after since.
func (c *Client) Subscribe(ctx context.Context, since syncmsg.Version) (*Subscription, error) {
	wsURL, err := c.subscribeURL(since)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: c.header.Clone(),
	})
	if err != nil {
		if resp != nil && isAuthStatus(resp.StatusCode) {
			return nil, fmt.Errorf("%w: subscribe: http %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: subscribe: %w", ErrDisconnected, err)
	}
	conn.SetReadLimit(wsClientMaxFrameSize)

	slog.Debug("syncapi subscribed", "app", c.config.AppID, "since", since, "session", c.sessionId)
	return newSubscription(ctx, conn), nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}

func (c *Client) subscribeURL(since syncmsg.Version) (string, error) {
	path := strings.ReplaceAll(v1Subscribe, "{app}", url.PathEscape(c.config.AppID))
	u, err := url.Parse(strings.TrimSuffix(c.config.ServerURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("syncapi: subscribe url: %w", err)
	}

	q := u.Query()
	q.Set("since", since.String())
	q.Set("enc", c.config.Encoding.String())
	u.RawQuery = q.Encode()

	return toWebsocketURL(u.String()), nil
}

// toWebsocketURL converts an HTTP URL to a WebSocket URL
func toWebsocketURL(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + url[8:]
	} else if strings.HasPrefix(url, "http://") {
		return "ws://" + url[7:]
	}
	return url
}

func deviceID() string {
	id, err := machineid.ProtectedID(version.AppName)
	if err != nil {
		return uuid.NewString()
	}
	return id
}
