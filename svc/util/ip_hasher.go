package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IPHasher turns client addresses into rotating keyed digests so stored
// records never carry a raw address. Keys are derived per epoch from the
// pepper; once an epoch has passed its digests cannot be recomputed from a
// fresh address without the pepper.
type IPHasher struct {
	interval time.Duration
	pepper   []byte
	mu       sync.RWMutex
	key      []byte
	prevKey  []byte
	epoch    int64
	stop     chan struct{}
	stopped  bool
	now      func() time.Time
}

var (
	ErrHasherStopped   = errors.New("IP hasher stopped")
	ErrInvalidInterval = errors.New("rotation interval must be >= 15 minutes")
)

// NewIPHasher starts a hasher. An empty pepper is replaced by a random
// per-process one, which makes digests unlinkable across restarts.
func NewIPHasher(pepper []byte, interval time.Duration) (*IPHasher, error) {
	if interval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	h, err := newIPHasher(pepper, interval, time.Now)
	if err != nil {
		return nil, err
	}
	go h.rotationLoop()
	return h, nil
}

func newIPHasher(pepper []byte, interval time.Duration, now func() time.Time) (*IPHasher, error) {
	p := make([]byte, len(pepper))
	copy(p, pepper)
	if len(p) == 0 {
		p = make([]byte, 32)
		if _, err := rand.Read(p); err != nil {
			return nil, errors.Wrap(err, "generate pepper")
		}
	} else if len(p) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &IPHasher{
		interval: interval,
		pepper:   p,
		stop:     make(chan struct{}),
		now:      now,
	}
	h.rotate(h.epochAt(now()))
	return h, nil
}

// HashIP returns "hmac-sha256:<epoch>:<hex>".
func (h *IPHasher) HashIP(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHasherStopped
	}
	return format(h.epoch, digest(h.key, ip)), nil
}

// Matches reports whether hash was produced for ip in the current or the
// previous epoch.
func (h *IPHasher) Matches(ip, hash string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false
	}
	if hmac.Equal([]byte(format(h.epoch, digest(h.key, ip))), []byte(hash)) {
		return true
	}
	return h.prevKey != nil &&
		hmac.Equal([]byte(format(h.epoch-1, digest(h.prevKey, ip))), []byte(hash))
}

func (h *IPHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
	Wipe(h.key)
	Wipe(h.prevKey)
	Wipe(h.pepper)
	h.key, h.prevKey, h.pepper = nil, nil, nil
}

func (h *IPHasher) epochAt(t time.Time) int64 {
	return t.Unix() / int64(h.interval.Seconds())
}

func (h *IPHasher) rotate(epoch int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || (h.key != nil && epoch == h.epoch) {
		return
	}
	if h.prevKey != nil {
		Wipe(h.prevKey)
	}
	h.prevKey = h.deriveKey(epoch - 1)
	if h.key != nil {
		Wipe(h.key)
	}
	h.key = h.deriveKey(epoch)
	h.epoch = epoch
}

func (h *IPHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	fmt.Fprintf(mac, "ciphernotes-ip:%d", epoch)
	return mac.Sum(nil)
}

func (h *IPHasher) rotationLoop() {
	ticker := time.NewTicker(h.interval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			epoch := h.epochAt(h.now())
			h.rotate(epoch)
			Debug().Int64("epoch", epoch).Msg("ip hasher epoch checked")
		}
	}
}

func digest(key []byte, ip string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return mac.Sum(nil)
}

func format(epoch int64, sum []byte) string {
	return fmt.Sprintf("hmac-sha256:%d:%s", epoch, hex.EncodeToString(sum))
}
