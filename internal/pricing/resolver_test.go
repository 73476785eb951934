package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(i int) string { return fmt.Sprintf("0x%040x", i+1) }

type priceServer struct {
	mu       sync.Mutex
	requests [][]string
	srv      *httptest.Server
}

// newPriceServer answers every requested id with price i+1 (by id index),
// except chunks containing a failing id, which get a 500.
func newPriceServer(t *testing.T, fail string, handler func(ids []string) string) *priceServer {
	ps := &priceServer{}
	ps.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids := strings.Split(strings.TrimPrefix(r.URL.Path, "/tokens/"), ",")
		ps.mu.Lock()
		ps.requests = append(ps.requests, ids)
		ps.mu.Unlock()
		for _, id := range ids {
			if fail != "" && id == fail {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(ids)))
	}))
	t.Cleanup(ps.srv.Close)
	return ps
}

func echoPrices(ids []string) string {
	var pairs []string
	for _, id := range ids {
		pairs = append(pairs, fmt.Sprintf(`{"chainId":"ethereum","baseToken":{"address":%q},"priceUsd":"1.5"}`, strings.ToUpper(id[:2])+id[2:]))
	}
	return `{"pairs":[` + strings.Join(pairs, ",") + `]}`
}

func TestResolve_ChunksAndIsolatesFailures(t *testing.T) {
	ids := make([]string, 65)
	for i := range ids {
		ids[i] = addr(i)
	}
	ps := newPriceServer(t, addr(40), echoPrices)
	r := NewResolver(ps.srv.URL+"/tokens", WithRetries(0))

	got := r.Resolve(context.Background(), ids)

	require.Len(t, ps.requests, 3)
	sizes := map[int]int{}
	for _, req := range ps.requests {
		sizes[len(req)]++
	}
	assert.Equal(t, map[int]int{30: 2, 5: 1}, sizes)

	assert.Len(t, got, 35)
	for i := 0; i < 30; i++ {
		assert.Equal(t, 1.5, got[addr(i)])
	}
	for i := 30; i < 60; i++ {
		_, ok := got[addr(i)]
		assert.False(t, ok, addr(i))
	}
	for i := 60; i < 65; i++ {
		assert.Equal(t, 1.5, got[addr(i)])
	}
}

func TestResolve_FirstPairWins(t *testing.T) {
	token := addr(0)
	ps := newPriceServer(t, "", func([]string) string {
		return `{"pairs":[
			{"chainId":"bsc","baseToken":{"address":"` + token + `"},"priceUsd":"9"},
			{"chainId":"ethereum","baseToken":{"address":"` + strings.ToUpper(token) + `"},"priceUsd":"2.5"},
			{"chainId":"ethereum","baseToken":{"address":"` + token + `"},"priceUsd":"3"},
			{"chainId":"ethereum","baseToken":{"address":"0xnotrequested"},"priceUsd":"7"}
		]}`
	})
	got := NewResolver(ps.srv.URL + "/tokens").Resolve(context.Background(), []string{" " + strings.ToUpper(token) + " "})
	assert.Equal(t, map[string]float64{token: 2.5}, got)
}

func TestResolve_AnyChainWhenUnset(t *testing.T) {
	token := addr(0)
	ps := newPriceServer(t, "", func([]string) string {
		return `{"pairs":[{"chainId":"bsc","baseToken":{"address":"` + token + `"},"priceUsd":9}]}`
	})
	got := NewResolver(ps.srv.URL+"/tokens", WithChain("")).Resolve(context.Background(), []string{token})
	assert.Equal(t, 9.0, got[token])
}

func TestResolve_IgnoresUnusablePrices(t *testing.T) {
	a, b, c, d := addr(0), addr(1), addr(2), addr(3)
	ps := newPriceServer(t, "", func([]string) string {
		return `{"pairs":[
			{"baseToken":{"address":"` + a + `"},"priceUsd":"abc"},
			{"baseToken":{"address":"` + b + `"},"priceUsd":"-1"},
			{"baseToken":{"address":"` + c + `"},"priceUsd":null},
			{"baseToken":{"address":"` + d + `"},"priceUsd":"0.25"}
		]}`
	})
	got := NewResolver(ps.srv.URL+"/tokens").Resolve(context.Background(), []string{a, b, c, d})
	assert.Equal(t, map[string]float64{d: 0.25}, got)
}

func TestResolve_NullPairs(t *testing.T) {
	ps := newPriceServer(t, "", func([]string) string { return `{"schemaVersion":"1.0.0","pairs":null}` })
	got := NewResolver(ps.srv.URL+"/tokens").Resolve(context.Background(), []string{addr(0)})
	assert.Empty(t, got)
}

func TestResolve_BadJSONIsChunkFailure(t *testing.T) {
	ps := newPriceServer(t, "", func([]string) string { return `<html>` })
	var fails int
	r := NewResolver(ps.srv.URL+"/tokens", WithChunkHook(func(ok bool) {
		if !ok {
			fails++
		}
	}))
	got := r.Resolve(context.Background(), []string{addr(0)})
	assert.Empty(t, got)
	assert.Equal(t, 1, fails)
}

func TestResolve_RetriesTransientStatus(t *testing.T) {
	token := addr(0)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"pairs":[{"baseToken":{"address":"` + token + `"},"priceUsd":"4"}]}`))
	}))
	defer srv.Close()

	got := NewResolver(srv.URL, WithRetries(1)).Resolve(context.Background(), []string{token})
	assert.Equal(t, 4.0, got[token])
	assert.Equal(t, 2, calls)
}

func TestResolve_Empty(t *testing.T) {
	r := NewResolver("http://127.0.0.1:1")
	assert.Empty(t, r.Resolve(context.Background(), nil))
}

func TestNormalizeAndChunk(t *testing.T) {
	ids := Normalize([]string{" 0xAB ", "0xab", "", "0xCD"})
	assert.Equal(t, []string{"0xab", "0xcd"}, ids)

	chunks := Chunk([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
	assert.Nil(t, Chunk(nil, 30))
}
