package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// tokenServer accepts only the token it currently considers valid and
// returns 401 for everything else.
type tokenServer struct {
	mu    sync.Mutex
	valid string
	hits  int
}

func (s *tokenServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits++
		valid := s.valid
		s.mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "ok:%s", body)
	})
}

func (s *tokenServer) rotate(token string) {
	s.mu.Lock()
	s.valid = token
	s.mu.Unlock()
}

func TestRoundTripAttachesToken(t *testing.T) {
	srv := &tokenServer{valid: "a1"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := &Transport{
		Store: NewTokenStore("a1", "r1"),
		Refresh: func(ctx context.Context, refresh string) (string, string, error) {
			t.Error("refresh should not run for a valid token")
			return "", "", errors.New("unexpected refresh")
		},
	}
	resp, err := (&http.Client{Transport: tr}).Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRoundTripWithoutCredentials(t *testing.T) {
	tr := &Transport{Store: NewTokenStore("", "")}
	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	if _, err := tr.RoundTrip(req); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestConcurrent401sTriggerOneRefresh(t *testing.T) {
	srv := &tokenServer{valid: "a2"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	var refreshes atomic.Int32
	tr := &Transport{
		Store: NewTokenStore("a1", "r1"),
		Refresh: func(ctx context.Context, refresh string) (string, string, error) {
			refreshes.Add(1)
			if refresh != "r1" {
				t.Errorf("refresh token = %q, want r1", refresh)
			}
			// Hold the flight open so every waiter piles onto it.
			time.Sleep(50 * time.Millisecond)
			return "a2", "r2", nil
		},
	}
	client := &http.Client{Transport: tr}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(ts.URL)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("request failed: %v", err)
	}

	if got := refreshes.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	if access, refresh := tr.Store.Tokens(); access != "a2" || refresh != "r2" {
		t.Fatalf("store = (%q, %q), want (a2, r2)", access, refresh)
	}
}

func TestRefreshFailureClearsStoreAndReturnsOriginal401(t *testing.T) {
	srv := &tokenServer{valid: "other"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := &Transport{
		Store: NewTokenStore("stale", "dead"),
		Refresh: func(ctx context.Context, refresh string) (string, string, error) {
			return "", "", errors.New("refresh token revoked")
		},
	}
	client := &http.Client{Transport: tr}

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if access, refresh := tr.Store.Tokens(); access != "" || refresh != "" {
		t.Fatalf("store not cleared: (%q, %q)", access, refresh)
	}

	// With the store empty the next request fails fast.
	if _, err := client.Get(ts.URL); err == nil || !strings.Contains(err.Error(), ErrNoCredentials.Error()) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestRetriedRequestReplaysBody(t *testing.T) {
	srv := &tokenServer{valid: "a2"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	tr := &Transport{
		Store: NewTokenStore("a1", "r1"),
		Refresh: func(ctx context.Context, refresh string) (string, string, error) {
			return "a2", "r2", nil
		},
	}
	client := &http.Client{Transport: tr}

	resp, err := client.Post(ts.URL, "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok:payload" {
		t.Fatalf("body = %q, want ok:payload", body)
	}
}

func TestCancelledCallerAbandonsOnlyItsWait(t *testing.T) {
	srv := &tokenServer{valid: "a2"}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	release := make(chan struct{})
	tr := &Transport{
		Store: NewTokenStore("a1", "r1"),
		Refresh: func(ctx context.Context, refresh string) (string, string, error) {
			<-release
			return "a2", "r2", nil
		},
	}
	client := &http.Client{Transport: tr}

	started := make(chan struct{})
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
		close(started)
		_, err := client.Do(req)
		done <- err
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil || !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	// The shared refresh keeps running and lands in the store.
	close(release)
	deadline := time.After(2 * time.Second)
	for {
		if access, _ := tr.Store.Tokens(); access == "a2" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("refresh never completed after caller cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
