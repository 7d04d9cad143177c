// Package proxy implements the proxy pool: parsing, rotation policies,
// per-proxy telemetry, ban bookkeeping and background health testing.
package proxy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/phantomlabs/phantom/internal/domain"
)

// Status is the health state of a proxy.
type Status string

const (
	StatusUntested Status = "untested"
	StatusGood     Status = "good"
	StatusSlow     Status = "slow"
	StatusBad      Status = "bad"
	StatusBanned   Status = "banned"
)

// usable reports whether a proxy in this status may be handed out.
func (s Status) usable() bool { return s != StatusBad && s != StatusBanned }

// Stats is the rolling telemetry for one proxy. All fields are guarded by
// the owning Pool's mutex.
type Stats struct {
	SuccessCount        int
	FailureCount        int
	TotalRequests       int
	AvgResponseMs       float64 // EMA, alpha 0.2
	LastResponseMs      float64
	LastUsedUnix        float64
	LastTestedUnix      float64
	ConsecutiveFailures int
	BanCount            int
	SitesBanned         map[string]struct{}
}

// Proxy is one upstream with its identity and telemetry.
type Proxy struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	Protocol string
	GroupID  string

	Status Status
	Stats  Stats
}

// Parse builds a Proxy from "host:port" or "host:port:user:pass" form.
// Passwords containing colons keep everything after the third separator.
func Parse(line, groupID string) (*Proxy, error) {
	parts := strings.Split(strings.TrimSpace(line), ":")
	p := &Proxy{
		ID:       uuid.NewString(),
		Protocol: "http",
		GroupID:  groupID,
		Status:   StatusUntested,
		Stats:    Stats{SitesBanned: make(map[string]struct{})},
	}
	switch {
	case len(parts) >= 4:
		p.Host = parts[0]
		p.Username = parts[2]
		p.Password = strings.Join(parts[3:], ":")
	case len(parts) == 2:
		p.Host = parts[0]
	default:
		return nil, fmt.Errorf("parse proxy %q: %w", line, domain.ErrInvalidArgument)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: bad port: %w", line, domain.ErrInvalidArgument)
	}
	p.Port = port
	return p, nil
}

// URL is the form handed to HTTP transports.
func (p *Proxy) URL() string {
	if p.Username != "" && p.Password != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", p.Protocol, p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// Display is the credential-masked form used in logs and UIs.
func (p *Proxy) Display() string {
	if p.Username != "" {
		return fmt.Sprintf("%s:%d:%s:****", p.Host, p.Port, p.Username)
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// SuccessRate is successes over total requests, 0 when unused.
func (p *Proxy) SuccessRate() float64 {
	if p.Stats.TotalRequests == 0 {
		return 0
	}
	return float64(p.Stats.SuccessCount) / float64(p.Stats.TotalRequests)
}

// exportLine round-trips the proxy back to its Parse form.
func (p *Proxy) exportLine() string {
	if p.Username != "" && p.Password != "" {
		return fmt.Sprintf("%s:%d:%s:%s", p.Host, p.Port, p.Username, p.Password)
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
