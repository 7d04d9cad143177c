package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/domain"
)

func taskConfig(siteURL string) domain.TaskConfig {
	return domain.TaskConfig{
		SiteType:     domain.SiteShopify,
		SiteName:     "teststore",
		SiteURL:      siteURL,
		MonitorInput: "jordan",
		ProfileID:    "p1",
		RetryDelay:   time.Millisecond,
	}
}

func TestAddValidatesConfig(t *testing.T) {
	s := New(Config{}, func(context.Context, domain.Task) domain.TaskResult { return domain.TaskResult{} })

	_, err := s.Add(domain.TaskConfig{SiteType: "ebay", SiteURL: "not-a-url"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	task, err := s.Add(taskConfig("https://shop-a.example.com"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, task.Status)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 3, task.Config.MaxRetries, "scheduler default applied")
}

func TestConcurrencyBound(t *testing.T) {
	const sleep = 50 * time.Millisecond
	var inFlight, peak atomic.Int32
	handler := func(ctx context.Context, _ domain.Task) domain.TaskResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(sleep)
		inFlight.Add(-1)
		return domain.TaskResult{Success: true}
	}

	s := New(Config{MaxConcurrent: 2, MinSiteDelay: time.Millisecond}, handler)
	start := time.Now()
	for i := 0; i < 4; i++ {
		task, err := s.Add(taskConfig("https://shop-a.example.com"))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), task.ID))
	}
	s.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*sleep-5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSameSiteRequestsArePaced(t *testing.T) {
	const gap = 150 * time.Millisecond
	var mu sync.Mutex
	times := map[string][]time.Time{}
	handler := func(_ context.Context, task domain.Task) domain.TaskResult {
		mu.Lock()
		times[task.Config.SiteURL] = append(times[task.Config.SiteURL], time.Now())
		mu.Unlock()
		return domain.TaskResult{Success: true}
	}

	s := New(Config{MaxConcurrent: 10, MinSiteDelay: gap}, handler)
	for _, u := range []string{
		"https://shop-a.example.com", "https://shop-a.example.com", "https://shop-b.example.com",
	} {
		task, err := s.Add(taskConfig(u))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), task.ID))
	}
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	same := times["https://shop-a.example.com"]
	require.Len(t, same, 2)
	delta := same[1].Sub(same[0])
	if delta < 0 {
		delta = -delta
	}
	assert.GreaterOrEqual(t, delta, gap-5*time.Millisecond, "same-domain attempts observe the gap")
	require.Len(t, times["https://shop-b.example.com"], 1)
}

func TestRetryOnErrorEventuallySucceeds(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, domain.Task) domain.TaskResult {
		if calls.Add(1) < 3 {
			return domain.TaskResult{ErrorMessage: "transient", Elapsed: time.Second}
		}
		return domain.TaskResult{Success: true, OrderNumber: "123", Elapsed: time.Second}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	cfg := taskConfig("https://shop-a.example.com")
	cfg.MaxRetries = 3
	cfg.RetryOnError = true
	task, err := s.Add(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, s.GetStats().TotalRetries)
}

func TestDeclineDoesNotRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, domain.Task) domain.TaskResult {
		calls.Add(1)
		return domain.TaskResult{Declined: true, ErrorMessage: "Card declined"}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	cfg := taskConfig("https://shop-a.example.com")
	cfg.MaxRetries = 3
	cfg.RetryOnError = true // declines have their own switch
	task, err := s.Add(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	got, _ := s.Get(task.ID)
	assert.Equal(t, domain.StatusDeclined, got.Status)
	assert.Equal(t, "Card declined", got.StatusMessage)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeclineRetriesWhenEnabled(t *testing.T) {
	var calls atomic.Int32
	handler := func(context.Context, domain.Task) domain.TaskResult {
		calls.Add(1)
		return domain.TaskResult{Declined: true}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	cfg := taskConfig("https://shop-a.example.com")
	cfg.MaxRetries = 3
	cfg.RetryOnDecline = true
	task, err := s.Add(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	got, _ := s.Get(task.ID)
	assert.Equal(t, domain.StatusDeclined, got.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStopInterruptsRetrySleep(t *testing.T) {
	handler := func(context.Context, domain.Task) domain.TaskResult {
		return domain.TaskResult{ErrorMessage: "boom"}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	cfg := taskConfig("https://shop-a.example.com")
	cfg.MaxRetries = 3
	cfg.RetryOnError = true
	cfg.RetryDelay = time.Hour
	task, err := s.Add(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))

	require.Eventually(t, func() bool {
		got, _ := s.Get(task.ID)
		return got.RetryCount == 1
	}, 2*time.Second, time.Millisecond, "first attempt failed, sleeping")

	require.NoError(t, s.Stop(task.ID))
	s.Wait()

	got, _ := s.Get(task.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestStopAllReturnsSignaledCount(t *testing.T) {
	block := make(chan struct{})
	handler := func(ctx context.Context, _ domain.Task) domain.TaskResult {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return domain.TaskResult{Success: true}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	for i := 0; i < 3; i++ {
		task, err := s.Add(taskConfig("https://shop-a.example.com"))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), task.ID))
	}

	require.Eventually(t, func() bool {
		return s.GetStats().Running == 3
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 3, s.StopAll())
	s.Wait()
	close(block)

	for _, task := range s.List() {
		assert.Equal(t, domain.StatusCancelled, task.Status)
	}
}

func TestStatusCallbacksAndPanicIsolation(t *testing.T) {
	handler := func(context.Context, domain.Task) domain.TaskResult {
		return domain.TaskResult{Success: true, OrderNumber: "777"}
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	var mu sync.Mutex
	var seen []domain.TaskStatus
	s.OnStatusChange(func(t domain.Task) {
		mu.Lock()
		seen = append(seen, t.Status)
		mu.Unlock()
		panic("bad subscriber")
	})
	var successes atomic.Int32
	s.OnSuccess(func(domain.Task) { successes.Add(1) })

	task, err := s.Add(taskConfig("https://shop-a.example.com"))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	got, _ := s.Get(task.ID)
	assert.Equal(t, domain.StatusSuccess, got.Status)
	assert.Equal(t, int32(1), successes.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.StatusStarting, seen[0])
	assert.Equal(t, domain.StatusSuccess, seen[len(seen)-1])
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []domain.TaskResult
	failures  []domain.TaskResult
}

func (n *recordingNotifier) NotifySuccess(_ domain.Context, _ domain.Task, r domain.TaskResult) {
	n.mu.Lock()
	n.successes = append(n.successes, r)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyFailure(_ domain.Context, _ domain.Task, r domain.TaskResult) {
	n.mu.Lock()
	n.failures = append(n.failures, r)
	n.mu.Unlock()
}

func TestNotifierReceivesTerminalOutcomes(t *testing.T) {
	outcomes := map[string]domain.TaskResult{
		"win":  {Success: true, OrderNumber: "42"},
		"card": {Declined: true, ErrorMessage: "Card declined"},
		"dead": {ErrorMessage: "sold out"},
	}
	handler := func(_ context.Context, task domain.Task) domain.TaskResult {
		return outcomes[task.Config.MonitorInput]
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	n := &recordingNotifier{}
	s.SetNotifier(n)

	for input := range outcomes {
		cfg := taskConfig("https://shop-a.example.com")
		cfg.MonitorInput = input
		task, err := s.Add(cfg)
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), task.ID))
	}
	s.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.successes, 1)
	assert.Equal(t, "42", n.successes[0].OrderNumber)
	require.Len(t, n.failures, 2, "declines and failures both notify")
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	handler := func(context.Context, domain.Task) domain.TaskResult {
		panic("exploded")
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	task, err := s.Add(taskConfig("https://shop-a.example.com"))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	got, _ := s.Get(task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "Internal error", got.StatusMessage)
}

func TestGetStatsAggregates(t *testing.T) {
	outcomes := map[string]domain.TaskResult{}
	var mu sync.Mutex
	handler := func(_ context.Context, task domain.Task) domain.TaskResult {
		mu.Lock()
		defer mu.Unlock()
		return outcomes[task.Config.MonitorInput]
	}

	s := New(Config{MinSiteDelay: time.Millisecond}, handler)
	add := func(input string, r domain.TaskResult) {
		mu.Lock()
		outcomes[input] = r
		mu.Unlock()
		cfg := taskConfig("https://shop-a.example.com")
		cfg.MonitorInput = input
		task, err := s.Add(cfg)
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background(), task.ID))
	}

	add("a", domain.TaskResult{Success: true, Elapsed: 2 * time.Second})
	add("b", domain.TaskResult{Success: true, Elapsed: 4 * time.Second})
	add("c", domain.TaskResult{Declined: true})
	add("d", domain.TaskResult{ErrorMessage: "nope"})
	s.Wait()

	idle, err := s.Add(taskConfig("https://shop-b.example.com"))
	require.NoError(t, err)
	_ = idle

	stats := s.GetStats()
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 1, stats.Declined)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Idle)
	assert.InDelta(t, 3.0, stats.AvgCheckoutTime, 0.001)
}

func TestStartRejectsUnknownAndTerminal(t *testing.T) {
	s := New(Config{MinSiteDelay: time.Millisecond}, func(context.Context, domain.Task) domain.TaskResult {
		return domain.TaskResult{Success: true}
	})

	assert.ErrorIs(t, s.Start(context.Background(), "missing"), domain.ErrNotFound)

	task, err := s.Add(taskConfig("https://shop-a.example.com"))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background(), task.ID))
	s.Wait()

	assert.ErrorIs(t, s.Start(context.Background(), task.ID), domain.ErrConflict)
}
