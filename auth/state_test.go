package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchange runs fn against a request carrying jar and folds the response
// cookies back into jar.
func exchange(jar cookieJar, fn func(w http.ResponseWriter, r *http.Request)) {
	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	for _, c := range jar {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	fn(rec, r)
	jar.update(rec)
}

func testStateStoreSingleUse(t *testing.T, store StateStore) {
	t.Helper()
	jar := cookieJar{}
	want := PendingState{State: "s-1", Verifier: "v-1", Redirect: "/trips/7"}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.Store(w, r, want))
	})

	var first, second PendingState
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		var err error
		first, err = store.RetrieveAndClear(w, r)
		require.NoError(t, err)
	})
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		var err error
		second, err = store.RetrieveAndClear(w, r)
		require.NoError(t, err)
	})
	assert.Equal(t, want, first)
	assert.Equal(t, PendingState{}, second)
	assert.Empty(t, jar)
}

func TestCookieStateStore_SingleUse(t *testing.T) {
	testStateStoreSingleUse(t, NewCookieStateStore(false))
}

func TestCookieStateStore_LastWriteWins(t *testing.T) {
	store := NewCookieStateStore(true)
	jar := cookieJar{}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.Store(w, r, PendingState{State: "old", Verifier: "old-v", Redirect: "/trips"}))
	})
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.Store(w, r, PendingState{State: "new", Verifier: "new-v"}))
	})
	for _, c := range jar {
		assert.True(t, c.Secure, c.Name)
	}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		got, err := store.RetrieveAndClear(w, r)
		require.NoError(t, err)
		assert.Equal(t, PendingState{State: "new", Verifier: "new-v"}, got)
	})
}

func TestCookieStateStore_SanitizesRedirect(t *testing.T) {
	store := NewCookieStateStore(false)
	r := httptest.NewRequest(http.MethodGet, "/auth/callback", nil)
	r.AddCookie(&http.Cookie{Name: StateCookieName, Value: "s"})
	r.AddCookie(&http.Cookie{Name: RedirectCookieName, Value: "//evil.example"})

	got, err := store.RetrieveAndClear(httptest.NewRecorder(), r)
	require.NoError(t, err)
	assert.Equal(t, PendingState{State: "s"}, got)
}

func newRedisStore(t *testing.T) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client, false), mr
}

func TestRedisStateStore_SingleUse(t *testing.T) {
	store, _ := newRedisStore(t)
	testStateStoreSingleUse(t, store)
}

func TestRedisStateStore_ReplayedCookieFindsNothing(t *testing.T) {
	store, mr := newRedisStore(t)
	jar := cookieJar{}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.Store(w, r, PendingState{State: "s", Verifier: "v"}))
	})
	flow := *jar[FlowCookieName]
	assert.Equal(t, 600, flow.MaxAge)
	assert.True(t, flow.HttpOnly)

	key := redisKeyPrefix + flow.Value
	require.True(t, mr.Exists(key))
	assert.Equal(t, PendingStateTTL, mr.TTL(key))

	replay := cookieJar{FlowCookieName: &flow}
	exchange(replay, func(w http.ResponseWriter, r *http.Request) {
		got, err := store.RetrieveAndClear(w, r)
		require.NoError(t, err)
		assert.Equal(t, "s", got.State)
	})
	assert.False(t, mr.Exists(key))

	// The browser still holding the old cookie gets nothing.
	exchange(cookieJar{FlowCookieName: &flow}, func(w http.ResponseWriter, r *http.Request) {
		got, err := store.RetrieveAndClear(w, r)
		require.NoError(t, err)
		assert.Equal(t, PendingState{}, got)
	})
}

func TestRedisStateStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t)
	jar := cookieJar{}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, store.Store(w, r, PendingState{State: "s", Verifier: "v"}))
	})
	mr.FastForward(PendingStateTTL + time.Second)

	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		got, err := store.RetrieveAndClear(w, r)
		require.NoError(t, err)
		assert.Equal(t, PendingState{}, got)
	})
}

func TestRedisStateStore_IgnoresForeignCookie(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set(redisKeyPrefix+"not-a-uuid", `{"state":"s","verifier":"v"}`))

	jar := cookieJar{FlowCookieName: {Name: FlowCookieName, Value: "not-a-uuid"}}
	exchange(jar, func(w http.ResponseWriter, r *http.Request) {
		got, err := store.RetrieveAndClear(w, r)
		require.NoError(t, err)
		assert.Equal(t, PendingState{}, got)
	})
	assert.Empty(t, jar)
}

func TestRedisStateStore_BackendDown(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/login", nil).WithContext(context.Background())
	err := store.Store(rec, r, PendingState{State: "s", Verifier: "v"})
	require.Error(t, err)
	assert.Empty(t, rec.Result().Cookies())
}
