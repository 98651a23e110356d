package security

import (
	"sync"
	"time"
)

// RateLimiter implements a sliding window rate limiter
type RateLimiter struct {
	windows  map[string]*Window
	mu       sync.Mutex
	limit    int
	window   time.Duration
	burstMax int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// Window holds the request times seen for one client
type Window struct {
	Requests []time.Time
	LastSeen time.Time
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the maximum number of requests allowed per window
	RequestsPerWindow int
	// WindowDuration is the duration of the rate limit window
	WindowDuration time.Duration
	// BurstMax caps requests within any one second; 0 disables the check
	BurstMax int
}

// DefaultRateLimitConfig returns default rate limit configuration.
// Runs are expensive so the service allows far fewer than a scraper would.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstMax:          10,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = DefaultRateLimitConfig().RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = DefaultRateLimitConfig().WindowDuration
	}

	rl := &RateLimiter{
		windows:  make(map[string]*Window),
		limit:    config.RequestsPerWindow,
		window:   config.WindowDuration,
		burstMax: config.BurstMax,
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow records a request for key and reports whether it is within limits
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	w, exists := rl.windows[key]
	if !exists {
		w = &Window{Requests: make([]time.Time, 0, rl.limit)}
		rl.windows[key] = w
	}
	w.LastSeen = now
	w.Requests = rl.prune(w.Requests, now)

	if len(w.Requests) >= rl.limit {
		return false
	}

	if rl.burstMax > 0 {
		burstCutoff := now.Add(-time.Second)
		burstCount := 0
		for _, t := range w.Requests {
			if t.After(burstCutoff) {
				burstCount++
			}
		}
		if burstCount >= rl.burstMax {
			return false
		}
	}

	w.Requests = append(w.Requests, now)
	return true
}

func (rl *RateLimiter) prune(requests []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

// Reset resets the rate limit for a specific key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup periodically removes idle windows
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := rl.now().Add(-rl.window * 2)
			for key, w := range rl.windows {
				if w.LastSeen.Before(cutoff) {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// GetInfo returns rate limit info for a key
func (rl *RateLimiter) GetInfo(key string) RateLimitInfo {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info := RateLimitInfo{Limit: rl.limit, Remaining: rl.limit, ResetAt: now}

	w, exists := rl.windows[key]
	if !exists {
		return info
	}
	w.Requests = rl.prune(w.Requests, now)

	info.Remaining = rl.limit - len(w.Requests)
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if len(w.Requests) > 0 {
		// the window frees up when its oldest request ages out
		info.ResetAt = w.Requests[0].Add(rl.window)
	}
	return info
}
