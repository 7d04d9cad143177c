package proxy

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phantomlabs/phantom/internal/observability"
)

// Policy selects how the pool rotates through usable proxies.
type Policy string

const (
	RoundRobin Policy = "round_robin"
	Random     Policy = "random"
	Sticky     Policy = "sticky"
	Smart      Policy = "smart"
	Fastest    Policy = "fastest"
	LeastUsed  Policy = "least_used"
)

// ParsePolicy maps a config string onto a Policy, defaulting to Smart.
func ParsePolicy(s string) Policy {
	switch Policy(strings.ToLower(s)) {
	case RoundRobin, Random, Sticky, Smart, Fastest, LeastUsed:
		return Policy(strings.ToLower(s))
	default:
		return Smart
	}
}

// PoolConfig tunes pool behavior.
type PoolConfig struct {
	DefaultPolicy       Policy
	BanThreshold        int // consecutive failures before a proxy turns bad
	AutoRemoveBad       bool
	TestURL             string
	TestTimeout         time.Duration
	HealthCheckInterval time.Duration
	TestOnStart         bool
}

func (c *PoolConfig) defaults() {
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = Smart
	}
	if c.BanThreshold <= 0 {
		c.BanThreshold = 3
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = 10 * time.Second
	}
	if c.TestURL == "" {
		c.TestURL = "http://httpbin.org/ip"
	}
}

// Request narrows which proxy Get may return and how.
type Request struct {
	GroupID string
	TaskID  string // sticky assignments key on this
	Site    string // site-specific bans checked against this
	Policy  Policy // zero value falls back to the pool default
}

// Pool holds proxies grouped by operator-defined group ids and hands them
// out according to a rotation policy.
type Pool struct {
	cfg PoolConfig

	mu       sync.Mutex
	proxies  map[string]*Proxy
	groups   map[string][]string          // group id -> proxy ids, insertion order
	rotation map[string]int               // group id -> round-robin cursor
	sticky   map[string]string            // task id -> proxy id
	banned   map[string]map[string]struct{} // site -> proxy ids
	rng      *rand.Rand
	now      func() time.Time

	stopHealth chan struct{}
}

// NewPool builds an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:      cfg,
		proxies:  make(map[string]*Proxy),
		groups:   make(map[string][]string),
		rotation: make(map[string]int),
		sticky:   make(map[string]string),
		banned:   make(map[string]map[string]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Add inserts one proxy and returns its id.
func (pl *Pool) Add(p *Proxy) string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.addLocked(p)
	slog.Debug("proxy added", slog.String("proxy", p.Display()), slog.String("group", p.GroupID))
	return p.ID
}

func (pl *Pool) addLocked(p *Proxy) {
	if p.Stats.SitesBanned == nil {
		p.Stats.SitesBanned = make(map[string]struct{})
	}
	pl.proxies[p.ID] = p
	if p.GroupID != "" {
		pl.groups[p.GroupID] = append(pl.groups[p.GroupID], p.ID)
	}
}

// AddFromString parses a newline-separated proxy list into a group.
// Unparseable lines are logged and skipped.
func (pl *Pool) AddFromString(list, groupID string) []string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(list), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p, err := Parse(line, groupID)
		if err != nil {
			slog.Warn("failed to parse proxy", slog.String("line", line), slog.Any("error", err))
			continue
		}
		pl.addLocked(p)
		ids = append(ids, p.ID)
	}
	slog.Info("proxies added", slog.Int("count", len(ids)), slog.String("group", groupID))
	return ids
}

// Remove deletes a proxy from the pool and its group.
func (pl *Pool) Remove(proxyID string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.removeLocked(proxyID)
}

func (pl *Pool) removeLocked(proxyID string) {
	p, ok := pl.proxies[proxyID]
	if !ok {
		return
	}
	if p.GroupID != "" {
		ids := pl.groups[p.GroupID]
		for i, id := range ids {
			if id == proxyID {
				pl.groups[p.GroupID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	delete(pl.proxies, proxyID)
}

// Get returns the next proxy under the requested policy, or nil when the
// pool (or group) is empty. Bad/banned proxies and site-banned proxies are
// filtered first; when the filter empties the candidate set, the unfiltered
// set is used so a degraded pool still serves.
func (pl *Pool) Get(req Request) *Proxy {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	policy := req.Policy
	if policy == "" {
		policy = pl.cfg.DefaultPolicy
	}

	ids := pl.candidateIDsLocked(req.GroupID)
	if len(ids) == 0 {
		slog.Warn("no proxies available", slog.String("group", req.GroupID))
		return nil
	}

	available := make([]*Proxy, 0, len(ids))
	for _, id := range ids {
		p, ok := pl.proxies[id]
		if !ok || !p.Status.usable() {
			continue
		}
		if req.Site != "" {
			if _, siteBanned := pl.banned[req.Site][id]; siteBanned {
				continue
			}
		}
		available = append(available, p)
	}
	if len(available) == 0 {
		slog.Warn("all proxies filtered out",
			slog.String("group", req.GroupID), slog.String("site", req.Site))
		for _, id := range ids {
			if p, ok := pl.proxies[id]; ok {
				available = append(available, p)
			}
		}
	}
	if len(available) == 0 {
		return nil
	}

	switch policy {
	case Sticky:
		if req.TaskID != "" {
			return pl.stickyLocked(req.TaskID, available)
		}
	case Random:
		return available[pl.rng.Intn(len(available))]
	case RoundRobin:
		group := req.GroupID
		if group == "" {
			group = "default"
		}
		return pl.roundRobinLocked(group, available)
	case Fastest:
		return fastest(available)
	case LeastUsed:
		return leastUsed(available)
	case Smart:
		return pl.smartLocked(available)
	}
	return available[pl.rng.Intn(len(available))]
}

func (pl *Pool) candidateIDsLocked(groupID string) []string {
	if groupID != "" {
		return pl.groups[groupID]
	}
	ids := make([]string, 0, len(pl.proxies))
	for id := range pl.proxies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (pl *Pool) roundRobinLocked(group string, proxies []*Proxy) *Proxy {
	idx := pl.rotation[group]
	p := proxies[idx%len(proxies)]
	pl.rotation[group] = (idx + 1) % len(proxies)
	return p
}

func (pl *Pool) stickyLocked(taskID string, proxies []*Proxy) *Proxy {
	if id, ok := pl.sticky[taskID]; ok {
		for _, p := range proxies {
			if p.ID == id {
				return p
			}
		}
	}
	p := proxies[pl.rng.Intn(len(proxies))]
	pl.sticky[taskID] = p.ID
	return p
}

func fastest(proxies []*Proxy) *Proxy {
	best := proxies[0]
	bestMs := math.Inf(1)
	for _, p := range proxies {
		ms := p.Stats.AvgResponseMs
		if ms == 0 {
			ms = math.Inf(1)
		}
		if ms < bestMs {
			best, bestMs = p, ms
		}
	}
	return best
}

func leastUsed(proxies []*Proxy) *Proxy {
	best := proxies[0]
	for _, p := range proxies {
		if p.Stats.TotalRequests < best.Stats.TotalRequests {
			best = p
		}
	}
	return best
}

// smartLocked scores each candidate on success rate, speed, freshness and
// recent failures, with a small random term so the top proxy is not hammered.
func (pl *Pool) smartLocked(proxies []*Proxy) *Proxy {
	now := float64(pl.now().UnixNano()) / 1e9
	var best *Proxy
	bestScore := math.Inf(-1)
	for _, p := range proxies {
		score := p.SuccessRate() * 40
		if p.Stats.AvgResponseMs > 0 {
			score += math.Max(0, 30-p.Stats.AvgResponseMs/166.67)
		} else {
			score += 15
		}
		if p.Stats.LastUsedUnix > 0 {
			score += math.Min(20, (now-p.Stats.LastUsedUnix)/3)
		} else {
			score += 20
		}
		score -= float64(p.Stats.ConsecutiveFailures) * 10
		score += pl.rng.Float64() * 10
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// RecordSuccess folds a successful request into the proxy's telemetry.
// Response time feeds a 0.2-alpha EMA; untested/slow proxies promote to good.
func (pl *Pool) RecordSuccess(proxyID string, responseTime time.Duration, site string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.proxies[proxyID]
	if !ok {
		return
	}
	ms := float64(responseTime.Milliseconds())
	s := &p.Stats
	s.SuccessCount++
	s.TotalRequests++
	s.ConsecutiveFailures = 0
	s.LastResponseMs = ms
	s.LastUsedUnix = float64(pl.now().UnixNano()) / 1e9
	if s.AvgResponseMs == 0 {
		s.AvgResponseMs = ms
	} else {
		s.AvgResponseMs = s.AvgResponseMs*0.8 + ms*0.2
	}
	if p.Status == StatusUntested || p.Status == StatusSlow {
		p.Status = StatusGood
	}
}

// RecordFailure folds a failed request into the proxy's telemetry. Bans are
// tracked per site; three cumulative bans retire the proxy, and crossing the
// consecutive-failure threshold marks it bad (optionally removing it).
func (pl *Pool) RecordFailure(proxyID, site string, isBan bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.proxies[proxyID]
	if !ok {
		return
	}
	s := &p.Stats
	s.FailureCount++
	s.TotalRequests++
	s.ConsecutiveFailures++
	s.LastUsedUnix = float64(pl.now().UnixNano()) / 1e9

	if isBan {
		s.BanCount++
		if site != "" {
			s.SitesBanned[site] = struct{}{}
			if pl.banned[site] == nil {
				pl.banned[site] = make(map[string]struct{})
			}
			pl.banned[site][proxyID] = struct{}{}
		}
		if s.BanCount >= 3 {
			p.Status = StatusBanned
		}
		return
	}
	if s.ConsecutiveFailures >= pl.cfg.BanThreshold {
		p.Status = StatusBad
		if pl.cfg.AutoRemoveBad {
			pl.removeLocked(proxyID)
		}
	}
}

// ReleaseTask drops the sticky assignment for a finished task so the map
// does not grow with task churn.
func (pl *Pool) ReleaseTask(taskID string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.sticky, taskID)
}

// ClearBans resets ban bookkeeping for one site, or everything when site
// is empty (banned proxies drop back to untested).
func (pl *Pool) ClearBans(site string) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if site != "" {
		delete(pl.banned, site)
		for _, p := range pl.proxies {
			delete(p.Stats.SitesBanned, site)
		}
	} else {
		pl.banned = make(map[string]map[string]struct{})
		for _, p := range pl.proxies {
			p.Stats.SitesBanned = make(map[string]struct{})
			p.Stats.BanCount = 0
			if p.Status == StatusBanned {
				p.Status = StatusUntested
			}
		}
	}
	slog.Info("ban records cleared", slog.String("site", orAll(site)))
}

func orAll(s string) string {
	if s == "" {
		return "all"
	}
	return s
}

// PoolStats aggregates the pool (or one group).
type PoolStats struct {
	Total         int     `json:"total"`
	Good          int     `json:"good"`
	Slow          int     `json:"slow"`
	Bad           int     `json:"bad"`
	Banned        int     `json:"banned"`
	Untested      int     `json:"untested"`
	AvgResponseMs float64 `json:"avg_response_ms"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
}

// Stats aggregates proxy telemetry, optionally scoped to one group, and
// refreshes the pool gauges.
func (pl *Pool) Stats(groupID string) PoolStats {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var st PoolStats
	var sumMs, sumRate float64
	for _, id := range pl.candidateIDsLocked(groupID) {
		p, ok := pl.proxies[id]
		if !ok {
			continue
		}
		st.Total++
		switch p.Status {
		case StatusGood:
			st.Good++
		case StatusSlow:
			st.Slow++
		case StatusBad:
			st.Bad++
		case StatusBanned:
			st.Banned++
		default:
			st.Untested++
		}
		sumMs += p.Stats.AvgResponseMs
		sumRate += p.SuccessRate()
		st.TotalRequests += p.Stats.TotalRequests
	}
	if st.Total > 0 {
		st.AvgResponseMs = sumMs / float64(st.Total)
		st.SuccessRate = sumRate / float64(st.Total)
	}
	if groupID == "" {
		observability.SetProxyCount(string(StatusGood), st.Good)
		observability.SetProxyCount(string(StatusSlow), st.Slow)
		observability.SetProxyCount(string(StatusBad), st.Bad)
		observability.SetProxyCount(string(StatusBanned), st.Banned)
		observability.SetProxyCount(string(StatusUntested), st.Untested)
	}
	return st
}

// Export serializes proxies back to newline form, optionally filtered by
// group and status.
func (pl *Pool) Export(groupID string, status Status) string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	var lines []string
	for _, id := range pl.candidateIDsLocked(groupID) {
		p, ok := pl.proxies[id]
		if !ok {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		lines = append(lines, p.exportLine())
	}
	return strings.Join(lines, "\n")
}

// snapshot returns all proxies in a group (or all), for the tester.
func (pl *Pool) snapshot(groupID string) []*Proxy {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	ids := pl.candidateIDsLocked(groupID)
	out := make([]*Proxy, 0, len(ids))
	for _, id := range ids {
		if p, ok := pl.proxies[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// setTestResult applies a health-test outcome under the pool lock.
func (pl *Pool) setTestResult(proxyID string, status Status, elapsedMs float64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	p, ok := pl.proxies[proxyID]
	if !ok {
		return
	}
	p.Status = status
	p.Stats.LastTestedUnix = float64(pl.now().UnixNano()) / 1e9
	if elapsedMs > 0 {
		p.Stats.AvgResponseMs = elapsedMs
	}
}
