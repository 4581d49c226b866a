package usage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goodtune/usagesync/internal/snapshot"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// FeedFile is the on-disk form of the provider data. Provider IDs are map
// keys and are read case-insensitively (lower-cased).
//
//	enabled: [claude, codex]
//	providers:
//	  claude:
//	    display_name: Claude
//	    primary:
//	      used_percent: 42.5
//	      window_minutes: 300
//	      resets_at: "2024-03-01T12:00:00Z"
//	  codex:
//	    error: Rate limited
type FeedFile struct {
	Enabled   []string                `mapstructure:"enabled"`
	Providers map[string]FeedProvider `mapstructure:"providers"`
}

// FeedProvider is one provider entry of a FeedFile.
type FeedProvider struct {
	DisplayName  string      `mapstructure:"display_name"`
	Primary      *FeedWindow `mapstructure:"primary"`
	Secondary    *FeedWindow `mapstructure:"secondary"`
	AccountEmail *string     `mapstructure:"account_email"`
	LoginMethod  *string     `mapstructure:"login_method"`
	UpdatedAt    *time.Time  `mapstructure:"updated_at"`
	Error        string      `mapstructure:"error"`
}

// FeedWindow is a rate window in a FeedFile.
type FeedWindow struct {
	UsedPercent      float64    `mapstructure:"used_percent"`
	WindowMinutes    *int       `mapstructure:"window_minutes"`
	ResetsAt         *time.Time `mapstructure:"resets_at"`
	ResetDescription *string    `mapstructure:"reset_description"`
}

// State converts the feed into provider data for Store.Apply. When no
// enabled list is given every provider is enabled in ID order. Blank IDs,
// such as the one a trailing comma in "claude," produces, are dropped.
func (f FeedFile) State() State {
	state := State{
		Usage:    make(map[string]ProviderState),
		Errors:   make(map[string]string),
		Metadata: make(map[string]Metadata),
	}

	for id, p := range f.Providers {
		if strings.TrimSpace(id) == "" {
			continue
		}
		if p.DisplayName != "" {
			state.Metadata[id] = Metadata{DisplayName: p.DisplayName}
		}
		if p.Error != "" {
			state.Errors[id] = p.Error
		}
		if p.Primary == nil && p.Secondary == nil && p.AccountEmail == nil && p.LoginMethod == nil && p.UpdatedAt == nil {
			continue
		}

		usage := ProviderState{
			Primary:      p.Primary.window(),
			Secondary:    p.Secondary.window(),
			AccountEmail: p.AccountEmail,
			LoginMethod:  p.LoginMethod,
		}
		if p.UpdatedAt != nil {
			usage.UpdatedAt = *p.UpdatedAt
		}
		state.Usage[id] = usage
	}

	if f.Enabled != nil {
		state.Enabled = make([]string, 0, len(f.Enabled))
		for _, id := range f.Enabled {
			if id = strings.TrimSpace(id); id != "" {
				state.Enabled = append(state.Enabled, id)
			}
		}
	} else {
		for id := range f.Providers {
			if strings.TrimSpace(id) != "" {
				state.Enabled = append(state.Enabled, id)
			}
		}
		sort.Strings(state.Enabled)
	}

	return state
}

func (w *FeedWindow) window() *snapshot.RateWindow {
	if w == nil {
		return nil
	}
	return &snapshot.RateWindow{
		UsedPercent:      w.UsedPercent,
		WindowMinutes:    w.WindowMinutes,
		ResetsAt:         w.ResetsAt,
		ResetDescription: w.ResetDescription,
	}
}

// Feed loads a FeedFile into a Store and optionally keeps it in sync with
// the file on disk.
type Feed struct {
	path   string
	store  *Store
	logger zerolog.Logger

	// watcher is only used for change notification. Every load reads the
	// file into its own viper instance.
	watcher *viper.Viper

	mu       sync.Mutex
	watching bool
}

// NewFeed creates a feed for the file at path.
func NewFeed(path string, store *Store, logger zerolog.Logger) *Feed {
	return &Feed{
		path:   path,
		store:  store,
		logger: logger.With().Str("component", "usage-feed").Str("path", path).Logger(),
	}
}

// Load reads the file and applies it to the store. It is safe to call
// while Watch is active.
func (f *Feed) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := viper.New()
	v.SetConfigFile(f.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read usage feed: %w", err)
	}
	return f.apply(v)
}

// Watch reapplies the file whenever it changes on disk. Reload failures are
// logged and leave the store untouched.
func (f *Feed) Watch() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.watching {
		return
	}
	f.watching = true

	f.watcher = viper.New()
	f.watcher.SetConfigFile(f.path)
	f.watcher.OnConfigChange(func(e fsnotify.Event) {
		f.logger.Debug().Str("op", e.Op.String()).Msg("Usage feed changed")
		if err := f.Load(); err != nil {
			f.logger.Warn().Err(err).Msg("Failed to reload usage feed")
		}
	})
	f.watcher.WatchConfig()

	f.logger.Info().Msg("Watching usage feed")
}

func (f *Feed) apply(v *viper.Viper) error {
	feed, err := decodeFeed(v)
	if err != nil {
		return err
	}

	state := feed.State()
	f.store.Apply(state)

	f.logger.Info().
		Int("providers", len(feed.Providers)).
		Strs("enabled", state.Enabled).
		Msg("Applied usage feed")
	return nil
}

func decodeFeed(v *viper.Viper) (FeedFile, error) {
	var feed FeedFile
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&feed, hook); err != nil {
		return FeedFile{}, fmt.Errorf("failed to decode usage feed: %w", err)
	}
	return feed, nil
}
