package models

import (
	"net/netip"
	"time"
)

// Period is a rate limit window
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Periods in the order they are checked and reported
var Periods = []Period{PeriodMinute, PeriodHour, PeriodDay}

// Duration is the window length, which is also the counter TTL
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	}
	return 0
}

// RateLimits holds the per-window request ceilings of a credential
type RateLimits struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// For returns the limit configured for a period
func (l RateLimits) For(p Period) int {
	switch p {
	case PeriodMinute:
		return l.PerMinute
	case PeriodHour:
		return l.PerHour
	case PeriodDay:
		return l.PerDay
	}
	return 0
}

// Credential is an API key with its own limits and restrictions.
// The plaintext key is never stored; KeyHash is the hex SHA-256 of it.
type Credential struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	KeyPrefix      string     `json:"key_prefix"`
	KeyHash        string     `json:"key_hash"`
	Active         bool       `json:"active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Limits         RateLimits `json:"limits"`
	AllowedFormats []Format   `json:"allowed_formats"`
	AllowedIPs     []string   `json:"allowed_ips"`
	UsageCount     int64      `json:"usage_count"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsValid reports active and not expired at now
func (c *Credential) IsValid(now time.Time) bool {
	if !c.Active {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// IsExpired reports whether the expiry has passed
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// IsIPAllowed tests ip against the allow list. Entries may be addresses or
// CIDR prefixes. A nil list allows every address.
func (c *Credential) IsIPAllowed(ip string) bool {
	if c.AllowedIPs == nil {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range c.AllowedIPs {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// IsFormatAllowed tests f against the allow list. A nil list allows all.
func (c *Credential) IsFormatAllowed(f Format) bool {
	if c.AllowedFormats == nil {
		return true
	}
	for _, allowed := range c.AllowedFormats {
		if allowed == f {
			return true
		}
	}
	return false
}
