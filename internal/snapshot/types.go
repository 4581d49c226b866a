package snapshot

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// RateWindow is a single usage-limit measurement for one provider.
type RateWindow struct {
	UsedPercent      float64    `json:"usedPercent"`
	WindowMinutes    *int       `json:"windowMinutes,omitempty"`
	ResetsAt         *time.Time `json:"resetsAt,omitempty"`
	ResetDescription *string    `json:"resetDescription,omitempty"`
}

// RemainingPercent returns 100 - UsedPercent, clamped at zero.
// UsedPercent itself is never clamped.
func (w RateWindow) RemainingPercent() float64 {
	return max(0, 100-w.UsedPercent)
}

// Equal reports whether two windows carry identical values.
func (w RateWindow) Equal(o RateWindow) bool {
	return w.UsedPercent == o.UsedPercent &&
		equalPtr(w.WindowMinutes, o.WindowMinutes) &&
		equalTime(w.ResetsAt, o.ResetsAt) &&
		equalPtr(w.ResetDescription, o.ResetDescription)
}

// ProviderUsage is one provider's usage as of a publish cycle.
// IsError is expected to be true whenever StatusMessage is set, but nothing
// enforces it.
type ProviderUsage struct {
	ProviderID    string      `json:"providerID"`
	ProviderName  string      `json:"providerName"`
	Primary       *RateWindow `json:"primary,omitempty"`
	Secondary     *RateWindow `json:"secondary,omitempty"`
	AccountEmail  *string     `json:"accountEmail,omitempty"`
	LoginMethod   *string     `json:"loginMethod,omitempty"`
	StatusMessage *string     `json:"statusMessage,omitempty"`
	IsError       bool        `json:"isError"`
	LastUpdated   time.Time   `json:"lastUpdated"`
}

// Equal reports whether two provider entries carry identical values.
func (p ProviderUsage) Equal(o ProviderUsage) bool {
	return p.ProviderID == o.ProviderID &&
		p.ProviderName == o.ProviderName &&
		equalWindow(p.Primary, o.Primary) &&
		equalWindow(p.Secondary, o.Secondary) &&
		equalPtr(p.AccountEmail, o.AccountEmail) &&
		equalPtr(p.LoginMethod, o.LoginMethod) &&
		equalPtr(p.StatusMessage, o.StatusMessage) &&
		p.IsError == o.IsError &&
		p.LastUpdated.Equal(o.LastUpdated)
}

// Snapshot is the full synchronized payload. Every push replaces the previous
// value at the shared key; there are no partial updates.
type Snapshot struct {
	// Providers are kept in enablement order.
	Providers     []ProviderUsage `json:"providers"`
	SyncTimestamp time.Time       `json:"syncTimestamp"`
	DeviceName    string          `json:"deviceName"`
}

// Equal reports whether two snapshots are identical field for field.
func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.Providers) != len(o.Providers) {
		return false
	}
	for i := range s.Providers {
		if !s.Providers[i].Equal(o.Providers[i]) {
			return false
		}
	}
	return s.SyncTimestamp.Equal(o.SyncTimestamp) && s.DeviceName == o.DeviceName
}

// Provider returns the entry for the given provider ID.
func (s Snapshot) Provider(id string) (ProviderUsage, bool) {
	for _, p := range s.Providers {
		if p.ProviderID == id {
			return p, true
		}
	}
	return ProviderUsage{}, false
}

// Age returns how long ago the snapshot was synced.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SyncTimestamp)
}

// FormatAge renders a sync age the way status lines show it.
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return strconv.Itoa(int(d/time.Minute)) + " min ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d/time.Hour)) + "h ago"
	default:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d ago"
	}
}

// DisplayName returns a capitalized form of a provider ID, used when no
// display metadata is known ("claude" -> "Claude", "kimi-k2" -> "Kimi-K2").
func DisplayName(providerID string) string {
	var b strings.Builder
	b.Grow(len(providerID))
	startOfWord := true
	for _, r := range providerID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if startOfWord {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			startOfWord = false
			continue
		}
		b.WriteRune(r)
		startOfWord = true
	}
	return b.String()
}

// Ptr returns a pointer to v. Handy for optional fields.
func Ptr[T any](v T) *T {
	return &v
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func equalWindow(a, b *RateWindow) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
