// Package chat watches IRC rooms for @-mentions and feeds them into the
// score store. The set of rooms to sit in follows the tenant roster and is
// re-synced on an interval so channel additions and removals take effect
// without a restart.
package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chatterboard/leaderboard"
	"github.com/onnwee/chatterboard/tenantcache"
	"github.com/onnwee/chatterboard/twitchapi"
)

// mentionPattern matches @login tokens. Twitch logins are 1-25 chars of
// [a-z0-9_]; the match is case-insensitive and lowercased afterwards.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]{1,25})`)

const rosterSyncInterval = time.Minute

// Monitor joins tenant channels and records one mention per @login token
// seen in a message.
type Monitor struct {
	client  *twitch.Client
	service *leaderboard.Service
	helix   *twitchapi.Client
	tenants *tenantcache.Cache

	mu     sync.Mutex
	byID   map[string]twitchapi.User // login -> resolved identity
	joined map[string]struct{}
}

func NewMonitor(username, oauth string, service *leaderboard.Service, helix *twitchapi.Client, tenants *tenantcache.Cache) *Monitor {
	return &Monitor{
		client:  twitch.NewClient(username, oauth),
		service: service,
		helix:   helix,
		tenants: tenants,
		byID:    make(map[string]twitchapi.User),
		joined:  make(map[string]struct{}),
	}
}

// Run connects to IRC and blocks until ctx is cancelled or the connection
// fails. Channel membership is synced to the tenant roster on a timer.
func (m *Monitor) Run(ctx context.Context) error {
	m.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m.handleMessage(ctx, msg)
	})

	if err := m.syncRoster(ctx); err != nil {
		slog.Warn("initial channel roster sync failed", slog.Any("err", err))
	}

	go func() {
		ticker := time.NewTicker(rosterSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.syncRoster(ctx); err != nil {
					slog.Warn("channel roster sync failed", slog.Any("err", err))
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		m.client.Disconnect()
	}()

	slog.Info("chat monitor connecting")
	err := m.client.Connect()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// syncRoster joins channels newly present in the tenant roster and departs
// channels that dropped out of it.
func (m *Monitor) syncRoster(ctx context.Context) error {
	want := make(map[string]struct{})
	for _, name := range m.tenants.Keys(ctx) {
		want[name] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range want {
		if _, ok := m.joined[name]; !ok {
			m.client.Join(name)
			m.joined[name] = struct{}{}
			slog.Info("joined channel", slog.String("channel", name))
		}
	}
	for name := range m.joined {
		if _, ok := want[name]; !ok {
			m.client.Depart(name)
			delete(m.joined, name)
			slog.Info("departed channel", slog.String("channel", name))
		}
	}
	return nil
}

func (m *Monitor) handleMessage(ctx context.Context, msg twitch.PrivateMessage) {
	mentions := ExtractMentions(msg.Message)
	if len(mentions) == 0 {
		return
	}
	channelLogin := strings.ToLower(strings.TrimPrefix(msg.Channel, "#"))

	resolved, err := m.resolve(ctx, append(mentions, channelLogin))
	if err != nil {
		slog.Error("mention identity resolution failed", slog.Any("err", err))
		return
	}
	channel, ok := resolved[channelLogin]
	if !ok {
		slog.Warn("channel identity unresolved, dropping mentions", slog.String("channel", channelLogin))
		return
	}
	if err := m.service.Store().UpsertChannel(ctx, channel.ID); err != nil {
		slog.Error("channel upsert failed", slog.Any("err", err))
		return
	}

	for _, login := range mentions {
		u, ok := resolved[login]
		if !ok {
			continue
		}
		if err := m.service.RecordMention(ctx, u.ID, channel.ID, 1); err != nil {
			slog.Error("record mention failed",
				slog.String("chatter", login), slog.String("channel", channelLogin), slog.Any("err", err))
		}
	}
}

// resolve maps logins to identities, serving repeats from an in-memory cache
// and upserting newly resolved chatters so score rows can reference them.
func (m *Monitor) resolve(ctx context.Context, logins []string) (map[string]twitchapi.User, error) {
	out := make(map[string]twitchapi.User, len(logins))
	var missing []string
	m.mu.Lock()
	for _, login := range logins {
		if u, ok := m.byID[login]; ok {
			out[login] = u
		} else {
			missing = append(missing, login)
		}
	}
	m.mu.Unlock()
	if len(missing) == 0 {
		return out, nil
	}

	users, err := m.helix.UsersByLogin(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		login := strings.ToLower(u.Login)
		c := leaderboard.Chatter{ID: u.ID, Login: login, DisplayName: u.DisplayName, Color: u.Color}
		if u.Image != "" {
			img := u.Image
			c.Image = &img
		}
		if err := m.service.Store().UpsertChatter(ctx, c); err != nil {
			slog.Error("chatter upsert failed", slog.String("login", login), slog.Any("err", err))
			continue
		}
		out[login] = u
		m.mu.Lock()
		m.byID[login] = u
		m.mu.Unlock()
	}
	return out, nil
}

// ExtractMentions returns the distinct lowercased logins @-mentioned in a
// message, in first-seen order.
func ExtractMentions(message string) []string {
	matches := mentionPattern.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var logins []string
	for _, match := range matches {
		login := strings.ToLower(match[1])
		if _, dup := seen[login]; dup {
			continue
		}
		seen[login] = struct{}{}
		logins = append(logins, login)
	}
	return logins
}
