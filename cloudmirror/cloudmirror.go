// Package cloudmirror optionally mirrors getStatus() snapshots and hourly
// energy history to a hosted Postgres table, purely to drive an external
// dashboard. It never influences control decisions — Client.Push is called
// from the supervisor's own ticker loop, never from the control path, and
// its errors are only logged.
package cloudmirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/powerguard/energy"
	supa "github.com/nedpals/supabase-go"
)

// pushTimeout bounds a single upload attempt; the underlying library has no
// native per-call timeout.
const pushTimeout = 10 * time.Second

// maxBacklog caps how many stale snapshots are held for retry before the
// oldest is dropped; mirroring is diagnostic-only so unbounded growth isn't
// worth the memory.
const maxBacklog = 25

// StatusSnapshot is the subset of the engine's status mirrored to the cloud.
type StatusSnapshot struct {
	Time             time.Time
	PowerW           float64
	PowerLimitW      float64
	Enabled          bool
	Profile          string
	OverLimitCount   int
	MitigatedDevices int
	HourlyHistory    []energy.HourlyHistoryEntry
}

// Client wraps the supabase-go client with reconnect-on-timeout and a small
// local backlog, same division of responsibility as supabase.Client plus
// data_platform.DataPlatform.
type Client struct {
	url, anonKey, userKey, schema, table string

	subClient       *supa.Client
	shouldReconnect bool
	logger          *slog.Logger

	backlog []StatusSnapshot
}

// New constructs a Client; the connection is made lazily on the first Push.
func New(url, anonKey, userKey, schema, table string) *Client {
	return &Client{
		url:             url,
		anonKey:         anonKey,
		userKey:         userKey,
		schema:          schema,
		table:           table,
		shouldReconnect: true,
		logger:          slog.Default().With("component", "cloudmirror", "host", url),
	}
}

// Push enqueues snap and attempts to flush the backlog (snap included).
// Errors are logged, never returned to the caller — this is enrichment, not
// a control-path dependency.
func (c *Client) Push(ctx context.Context, snap StatusSnapshot) {
	c.backlog = append(c.backlog, snap)
	if len(c.backlog) > maxBacklog {
		c.backlog = c.backlog[len(c.backlog)-maxBacklog:]
	}

	if err := c.flush(ctx); err != nil {
		c.logger.Warn("cloud mirror push failed, will retry next tick", "error", err)
	}
}

func (c *Client) flush(ctx context.Context) error {
	if err := c.reconnectIfNecessary(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	rows := make([]map[string]interface{}, 0, len(c.backlog))
	for _, s := range c.backlog {
		rows = append(rows, map[string]interface{}{
			"time":              s.Time,
			"power_w":           s.PowerW,
			"power_limit_w":     s.PowerLimitW,
			"enabled":           s.Enabled,
			"profile":           s.Profile,
			"over_limit_count":  s.OverLimitCount,
			"mitigated_devices": s.MitigatedDevices,
			"hourly_history":    s.HourlyHistory,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.subClient.DB.From(c.table).Insert(rows).Execute(nil)
	}()

	select {
	case <-ctx.Done():
		c.setShouldReconnect()
		return ctx.Err()
	case <-time.After(pushTimeout):
		c.setShouldReconnect()
		return errors.New("cloud mirror upload timed out")
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return err
		}
	}

	c.backlog = nil
	return nil
}

func (c *Client) reconnectIfNecessary() error {
	if !c.shouldReconnect {
		return nil
	}

	subClient := supa.CreateClient(c.url, c.anonKey)
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	subClient.DB.AddHeader("Content-Profile", c.schema)
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}

	c.subClient = subClient
	c.shouldReconnect = false
	c.logger.Info("created cloud mirror client")
	return nil
}

func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}
