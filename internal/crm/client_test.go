package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespa-academy/datasync/internal/metrics"
)

func testClient(base string) *Client {
	return New(Config{
		BaseURL:   base,
		AppID:     "app-id",
		APIKey:    "api-key",
		RateLimit: 1000,
		Timeout:   5 * time.Second,
	})
}

func pageHandler(t *testing.T, totalPages int, perPage func(page int) []Record) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-id", r.Header.Get("X-Application-Id"))
		assert.Equal(t, "api-key", r.Header.Get("X-REST-API-Key"))
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		_ = json.NewEncoder(w).Encode(Page{
			TotalPages:  totalPages,
			CurrentPage: page,
			Records:     perPage(page),
		})
	}
}

func TestFetchAllOrderedAcrossPrefetch(t *testing.T) {
	const pages = 7
	srv := httptest.NewServer(pageHandler(t, pages, func(page int) []Record {
		// Later pages respond slower to tempt reordering.
		if page%2 == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		return []Record{{"id": fmt.Sprintf("rec-%d", page)}}
	}))
	defer srv.Close()

	s := testClient(srv.URL).FetchAll(context.Background(), ObjectStudents, nil, StreamOpts{PageSize: 10, Prefetch: 4})
	var got []int
	for {
		b, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, b.Page)
		assert.Equal(t, pages, b.TotalPages)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, got)
}

func TestFetchAllResumesFromStartPage(t *testing.T) {
	var firstReq atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		firstReq.CompareAndSwap(0, int64(page))
		_ = json.NewEncoder(w).Encode(Page{TotalPages: 5, CurrentPage: page})
	}))
	defer srv.Close()

	s := testClient(srv.URL).FetchAll(context.Background(), ObjectScores, nil, StreamOpts{StartPage: 4})
	var pagesSeen []int
	for {
		b, ok := s.Next()
		if !ok {
			break
		}
		pagesSeen = append(pagesSeen, b.Page)
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []int{4, 5}, pagesSeen)
	assert.EqualValues(t, 4, firstReq.Load())
}

func TestRateLimitedThenRecovered(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(Page{TotalPages: 1, CurrentPage: 1, Records: []Record{{"id": "r1"}}})
	}))
	defer srv.Close()

	p, err := testClient(srv.URL).GetPage(context.Background(), ObjectStudents, nil, 1, 10)
	require.NoError(t, err)
	assert.Len(t, p.Records, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAuthFailureIsPermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetPage(context.Background(), ObjectStudents, nil, 1, 10)
	assert.ErrorIs(t, err, ErrAuth)
	assert.EqualValues(t, 1, calls.Load(), "no retry on auth failure")
}

func TestMalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetPage(context.Background(), ObjectStudents, nil, 1, 10)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestServerErrorsExhaustTransientBudget(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetPage(context.Background(), ObjectStudents, nil, 1, 10)
	assert.ErrorIs(t, err, ErrTransient)
	assert.EqualValues(t, maxTransientRetries+1, calls.Load())
}

func TestGetPageSendsFilters(t *testing.T) {
	var gotFilters string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilters = r.URL.Query().Get("filters")
		_ = json.NewEncoder(w).Encode(Page{TotalPages: 1, CurrentPage: 1})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetPage(context.Background(), ObjectScores,
		[]Filter{{Field: FieldScoreEstablishment, Operator: "is", Value: "est-1"}}, 1, 50)
	require.NoError(t, err)

	var parsed struct {
		Match string   `json:"match"`
		Rules []Filter `json:"rules"`
	}
	require.NoError(t, json.Unmarshal([]byte(gotFilters), &parsed))
	assert.Equal(t, "and", parsed.Match)
	require.Len(t, parsed.Rules, 1)
	assert.Equal(t, "est-1", parsed.Rules[0].Value)
}

func TestCloseMidStreamReleasesFetchers(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_ = json.NewEncoder(w).Encode(Page{
			TotalPages:  20,
			CurrentPage: page,
			Records:     []Record{{"id": fmt.Sprintf("rec-%d", page)}},
		})
	}))
	defer srv.Close()
	defer close(release)

	s := testClient(srv.URL).FetchAll(context.Background(), ObjectResponses, nil, StreamOpts{Prefetch: 3})
	_, ok := s.Next()
	require.True(t, ok)

	done := make(chan struct{})
	go func() { s.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after abandoning the stream")
	}
}

func TestRequestLatencyObserved(t *testing.T) {
	srv := httptest.NewServer(pageHandler(t, 1, func(int) []Record { return nil }))
	defer srv.Close()

	_, err := testClient(srv.URL).GetPage(context.Background(), ObjectNational, nil, 1, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(metrics.CRMRequestDuration), 1)
}
