package stratum

import (
	"sync"
	"time"
)

// BanList holds banned remote addresses and the time each ban started.
type BanList struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	duration time.Duration
	now      func() time.Time
}

// NewBanList creates an empty list whose bans last duration
func NewBanList(duration time.Duration) *BanList {
	return &BanList{
		entries:  make(map[string]time.Time),
		duration: duration,
		now:      time.Now,
	}
}

// Add bans ip starting now
func (b *BanList) Add(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[ip] = b.now()
}

// Check reports whether ip is still banned and for how long. An expired ban is
// removed and reported as forgiven.
func (b *BanList) Check(ip string) (banned bool, timeLeft time.Duration, forgiven bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bannedAt, ok := b.entries[ip]
	if !ok {
		return false, 0, false
	}
	timeLeft = b.duration - b.now().Sub(bannedAt)
	if timeLeft > 0 {
		return true, timeLeft, false
	}
	delete(b.entries, ip)
	return false, 0, true
}

// Banned reports whether ip has an active ban without forgiving it
func (b *BanList) Banned(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bannedAt, ok := b.entries[ip]
	return ok && b.now().Sub(bannedAt) < b.duration
}

// Purge removes expired bans and returns how many were removed
func (b *BanList) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for ip, bannedAt := range b.entries {
		if now.Sub(bannedAt) > b.duration {
			delete(b.entries, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked bans
func (b *BanList) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
