package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type Metrics struct {
	mutex        sync.RWMutex
	rules        map[string]*ruleState
	healthStatus map[string]bool
	staticCount  int64
	staticCodes  map[int]int64
	startTime    time.Time
}

type ruleState struct {
	upstream      string
	requests      int64
	errors        int64
	rejected      int64
	openTunnels   int64
	responseTimes []time.Duration
	statusCodes   map[int]int64
}

type Snapshot struct {
	TotalRequests int64                      `json:"total_requests"`
	Uptime        time.Duration              `json:"uptime"`
	Rules         map[string]RuleMetrics     `json:"rules"`
	Upstreams     map[string]UpstreamMetrics `json:"upstreams"`
	Static        StaticMetrics              `json:"static"`
}

type RuleMetrics struct {
	Upstream    string        `json:"upstream"`
	Requests    int64         `json:"requests"`
	Errors      int64         `json:"errors"`
	Rejected    int64         `json:"rejected"`
	OpenTunnels int64         `json:"open_tunnels"`
	AvgResponse time.Duration `json:"avg_response"`
	P50Response time.Duration `json:"p50_response"`
	P95Response time.Duration `json:"p95_response"`
	P99Response time.Duration `json:"p99_response"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

type UpstreamMetrics struct {
	Healthy bool   `json:"healthy"`
	Breaker string `json:"breaker,omitempty"`
}

type StaticMetrics struct {
	Requests    int64         `json:"requests"`
	StatusCodes map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		rules:        make(map[string]*ruleState),
		healthStatus: make(map[string]bool),
		staticCodes:  make(map[int]int64),
		startTime:    time.Now(),
	}
}

// rule must be called with the write lock held.
func (m *Metrics) rule(pattern, upstream string) *ruleState {
	rs, ok := m.rules[pattern]
	if !ok {
		rs = &ruleState{statusCodes: make(map[int]int64)}
		m.rules[pattern] = rs
	}
	if upstream != "" {
		rs.upstream = upstream
	}
	return rs
}

func (m *Metrics) IncrementRequests(pattern, upstream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rule(pattern, upstream).requests++
}

func (m *Metrics) RecordResponse(pattern string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rs := m.rule(pattern, "")
	rs.responseTimes = append(rs.responseTimes, duration)
	if len(rs.responseTimes) > maxSamples {
		rs.responseTimes = rs.responseTimes[1:]
	}
	rs.statusCodes[statusCode]++
}

func (m *Metrics) RecordError(pattern string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rule(pattern, "").errors++
}

func (m *Metrics) RecordRejected(pattern string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rule(pattern, "").rejected++
}

func (m *Metrics) TunnelOpened(pattern string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rule(pattern, "").openTunnels++
}

func (m *Metrics) TunnelClosed(pattern string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	rs := m.rule(pattern, "")
	if rs.openTunnels > 0 {
		rs.openTunnels--
	}
}

func (m *Metrics) UpdateHealthStatus(upstream string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[upstream] = healthy
}

func (m *Metrics) RecordStatic(statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.staticCount++
	m.staticCodes[statusCode]++
}

// Snapshot copies the current counters. breakers maps upstream origins to
// circuit breaker state names and may be nil.
func (m *Metrics) Snapshot(breakers map[string]string) Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:    time.Since(m.startTime),
		Rules:     make(map[string]RuleMetrics, len(m.rules)),
		Upstreams: make(map[string]UpstreamMetrics),
		Static: StaticMetrics{
			Requests:    m.staticCount,
			StatusCodes: copyCodes(m.staticCodes),
		},
	}
	snap.TotalRequests = m.staticCount

	for pattern, rs := range m.rules {
		snap.TotalRequests += rs.requests

		rm := RuleMetrics{
			Upstream:    rs.upstream,
			Requests:    rs.requests,
			Errors:      rs.errors,
			Rejected:    rs.rejected,
			OpenTunnels: rs.openTunnels,
			StatusCodes: copyCodes(rs.statusCodes),
		}

		if len(rs.responseTimes) > 0 {
			sorted := make([]time.Duration, len(rs.responseTimes))
			copy(sorted, rs.responseTimes)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			rm.AvgResponse = average(sorted)
			rm.P50Response = percentile(sorted, 0.50)
			rm.P95Response = percentile(sorted, 0.95)
			rm.P99Response = percentile(sorted, 0.99)
		}

		snap.Rules[pattern] = rm
	}

	for upstream, healthy := range m.healthStatus {
		snap.Upstreams[upstream] = UpstreamMetrics{Healthy: healthy}
	}
	for upstream, state := range breakers {
		um := snap.Upstreams[upstream]
		um.Breaker = state
		snap.Upstreams[upstream] = um
	}

	return snap
}

func copyCodes(codes map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(codes))
	for code, n := range codes {
		out[code] = n
	}
	return out
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
