package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/treesync/internal/client/config"
	"github.com/openmined/treesync/internal/client/sync"
	"github.com/openmined/treesync/internal/client/workspace"
	"github.com/openmined/treesync/internal/syncapi"
	"github.com/openmined/treesync/internal/utils"
	"golang.org/x/sync/errgroup"
)

// ErrSessionExpired is returned after the server rejected the stored access token.
// The token has been cleared from the config by then.
var ErrSessionExpired = errors.New("access token rejected by the server")

type Client struct {
	config    *config.Config
	workspace *workspace.Workspace
	api       *syncapi.Client
	session   *sync.SyncSession
}

func New(cfg *config.Config, prompter sync.Prompter) (*Client, error) {
	ws, err := workspace.NewWorkspace(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	api, err := syncapi.New(&syncapi.Config{
		ServerURL:   cfg.ServerURL,
		AppID:       cfg.AppID,
		AccessToken: cfg.AccessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	session, err := sync.NewSyncSession(&sync.SyncSessionOpts{
		Dir:                ws.Root,
		Remote:             sync.NewRemote(api),
		Prompter:           prompter,
		PublishDebounce:    cfg.PublishDebounce(),
		StabilityThreshold: cfg.StabilityThreshold(),
		PollInterval:       cfg.PollInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sync session: %w", err)
	}

	return &Client{
		config:    cfg,
		workspace: ws,
		api:       api,
		session:   session,
	}, nil
}

func (c *Client) Session() *sync.SyncSession {
	return c.session
}

// Start locks the workspace and syncs until the session stops.
// A user cancel or a requested stop is not an error.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("treesync client start",
		"dir", c.config.Dir,
		"app", c.config.AppID,
		"server", c.config.ServerURL,
		"token", utils.MaskSecret(c.config.AccessToken),
		"session", c.api.SessionID())

	if err := c.workspace.Setup(); err != nil {
		return fmt.Errorf("failed to setup workspace: %w", err)
	}
	defer func() {
		if err := c.workspace.Unlock(); err != nil {
			slog.Warn("workspace unlock", "error", err)
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return c.session.Run(egCtx)
	})

	eg.Go(func() error {
		c.reportPhases()
		return nil
	})

	return c.handleExit(eg.Wait())
}

// Stop asks the session to shut down gracefully.
func (c *Client) Stop() {
	c.session.Stop()
}

func (c *Client) reportPhases() {
	phases, cancel := c.session.SubscribePhase(8)
	defer cancel()

	for {
		select {
		case p := <-phases:
			slog.Debug("sync phase", "phase", p)
		case <-c.session.Done():
			return
		}
	}
}

func (c *Client) handleExit(err error) error {
	switch {
	case err == nil:
		slog.Info("treesync client stop")
		return nil
	case isBenignExit(err):
		slog.Info("treesync client stop", "reason", err)
		return nil
	case sync.IsAuthError(err):
		if cerr := c.config.ClearSession(); cerr != nil {
			slog.Warn("config clear session", "path", c.config.Path, "error", cerr)
		}
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	default:
		return err
	}
}

func isBenignExit(err error) bool {
	return errors.Is(err, sync.ErrSyncCanceled) ||
		errors.Is(err, sync.ErrSessionStopped) ||
		errors.Is(err, context.Canceled)
}
