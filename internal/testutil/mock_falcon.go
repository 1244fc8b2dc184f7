// Package testutil provides a configurable mock Falcon API server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// DefaultJobStatus is returned for polls without a scripted status sequence.
const DefaultJobStatus = "DONE"

// mockJob is one created export job.
type mockJob struct {
	id    string
	shard string
	polls int
}

// MockFalcon is a scriptable mock of the Falcon container-security export
// API: token endpoint, job creation, status polls and paginated file
// downloads, plus fault injection for auth, rate limit and server errors.
type MockFalcon struct {
	server *httptest.Server

	mu          sync.Mutex
	tokenSeq    int
	validTokens map[string]bool
	authStatus  int
	tokenTTL    int

	jobSeq       int
	jobs         map[string]*mockJob
	statusScript map[string][]string
	datasets     map[string][][]byte
	reportTotal  bool

	createRejects map[string]int
	failNext      map[string]int
	rateLimitNext int
	retryAfter    int

	// Counters for assertions.
	TokenExchanges int
	RequestCount   int
	PollCounts     map[string]int
	PageRequests   []int
}

// NewMockFalcon starts a mock server. Callers must Close it.
func NewMockFalcon() *MockFalcon {
	m := &MockFalcon{
		validTokens:   make(map[string]bool),
		authStatus:    http.StatusCreated,
		tokenTTL:      1800,
		jobs:          make(map[string]*mockJob),
		statusScript:  make(map[string][]string),
		datasets:      make(map[string][][]byte),
		createRejects: make(map[string]int),
		failNext:      make(map[string]int),
		PollCounts:    make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handler))
	return m
}

// URL returns the mock server base URL.
func (m *MockFalcon) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockFalcon) Close() {
	m.server.Close()
}

// SetDataset populates the export file served for a shard.
func (m *MockFalcon) SetDataset(shard string, records []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := make([][]byte, 0, len(records))
	for _, rec := range records {
		data, _ := json.Marshal(rec)
		raw = append(raw, data)
	}
	m.datasets[shard] = raw
}

// SyntheticDataset fills a shard with n generated records.
func (m *MockFalcon) SyntheticDataset(shard string, n int) {
	records := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, map[string]any{
			"id":           fmt.Sprintf("%s-%06d", shard, i),
			"image_digest": shard + "f00d",
			"cve_id":       fmt.Sprintf("CVE-2024-%04d", i%5000),
			"severity":     "HIGH",
		})
	}
	m.SetDataset(shard, records)
}

// SetStatusScript scripts the status sequence returned for a shard's job
// polls. The last status repeats once the script is exhausted.
func (m *MockFalcon) SetStatusScript(shard string, statuses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusScript[shard] = statuses
}

// SetReportTotal makes file responses carry a pagination total.
func (m *MockFalcon) SetReportTotal(report bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportTotal = report
}

// RejectAuth makes the token endpoint reject all exchanges with status.
func (m *MockFalcon) RejectAuth(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authStatus = status
}

// SetTokenTTL sets the expires_in value for issued tokens.
func (m *MockFalcon) SetTokenTTL(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenTTL = seconds
}

// InvalidateTokens revokes every issued token so the next API call sees a
// 401 and must refresh.
func (m *MockFalcon) InvalidateTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok := range m.validTokens {
		m.validTokens[tok] = false
	}
}

// RejectCreates makes the next n job creations for a shard answer with the
// in-progress quota error the real API uses.
func (m *MockFalcon) RejectCreates(shard string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createRejects[shard] = n
}

// FailNext makes the next n requests to pathSuffix answer 500.
func (m *MockFalcon) FailNext(pathSuffix string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[pathSuffix] = n
}

// RateLimitNext makes the next n API requests answer 429 with Retry-After.
func (m *MockFalcon) RateLimitNext(n, retryAfterSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitNext = n
	m.retryAfter = retryAfterSeconds
}

func (m *MockFalcon) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/token" {
		m.handleToken(w, r)
		return
	}

	m.mu.Lock()
	m.RequestCount++

	for suffix, n := range m.failNext {
		if n > 0 && strings.HasSuffix(r.URL.Path, suffix) {
			m.failNext[suffix] = n - 1
			m.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	if m.rateLimitNext > 0 {
		m.rateLimitNext--
		retryAfter := m.retryAfter
		m.mu.Unlock()
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !m.validTokens[token] {
		m.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	m.mu.Unlock()

	w.Header().Set("X-RateLimit-Limit", "6000")
	w.Header().Set("X-RateLimit-Remaining", "5999")
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/container-security/entities/exports/v1" && r.Method == http.MethodPost:
		m.handleCreate(w, r)
	case r.URL.Path == "/container-security/entities/exports/v1" && r.Method == http.MethodGet:
		m.handleStatus(w, r)
	case r.URL.Path == "/container-security/entities/exports/files/v1":
		m.handleFile(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockFalcon) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authStatus >= 400 {
		w.WriteHeader(m.authStatus)
		fmt.Fprint(w, `{"errors":[{"code":403,"message":"access denied"}]}`)
		return
	}

	m.tokenSeq++
	m.TokenExchanges++
	token := fmt.Sprintf("mock-token-%d", m.tokenSeq)
	m.validTokens[token] = true

	w.WriteHeader(m.authStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": token,
		"expires_in":   m.tokenTTL,
	})
}

// shardFromFQL extracts the digest shard from the create request filter.
func shardFromFQL(fql string) string {
	const marker = "image_digest:*'"
	start := strings.Index(fql, marker)
	if start < 0 {
		return ""
	}
	rest := fql[start+len(marker):]
	end := strings.Index(rest, "*")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func (m *MockFalcon) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FQL string `json:"fql"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	shard := shardFromFQL(body.FQL)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createRejects[shard] > 0 {
		m.createRejects[shard]--
		json.NewEncoder(w).Encode(map[string]any{
			"resources": []string{},
			"errors": []map[string]any{
				{"code": 429, "message": "Quota of 1 job(s) in-progress reached"},
			},
		})
		return
	}

	m.jobSeq++
	job := &mockJob{
		id:    fmt.Sprintf("job-%s-%d", shard, m.jobSeq),
		shard: shard,
	}
	m.jobs[job.id] = job

	json.NewEncoder(w).Encode(map[string]any{
		"resources": []string{job.id},
	})
}

func (m *MockFalcon) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("ids")

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{
			"resources": []any{},
			"errors":    []map[string]any{{"code": 404, "message": "job not found"}},
		})
		return
	}

	script := m.statusScript[job.shard]
	status := DefaultJobStatus
	if len(script) > 0 {
		idx := job.polls
		if idx >= len(script) {
			idx = len(script) - 1
		}
		status = script[idx]
	}
	job.polls++
	m.PollCounts[job.shard]++

	json.NewEncoder(w).Encode(map[string]any{
		"resources": []map[string]string{{"id": job.id, "status": status}},
	})
}

func (m *MockFalcon) handleFile(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("id")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	m.PageRequests = append(m.PageRequests, offset)

	dataset := m.datasets[job.shard]
	end := offset + limit
	if offset > len(dataset) {
		offset = len(dataset)
	}
	if end > len(dataset) {
		end = len(dataset)
	}

	records := make([]json.RawMessage, 0, end-offset)
	for _, raw := range dataset[offset:end] {
		records = append(records, json.RawMessage(raw))
	}

	resp := map[string]any{"resources": records}
	if m.reportTotal {
		resp["meta"] = map[string]any{
			"pagination": map[string]int{
				"offset": offset,
				"limit":  limit,
				"total":  len(dataset),
			},
		}
	}
	json.NewEncoder(w).Encode(resp)
}
