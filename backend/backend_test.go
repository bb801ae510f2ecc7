package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Sets(t *testing.T) {
	m := Default()

	assert.Equal(t, []string{AllStorage, AsyncAllStorage, AsyncMovingWindowStorage, MovingWindowStorage}, m.Names())

	counts := map[string]int{
		AllStorage:               10,
		MovingWindowStorage:      7,
		AsyncAllStorage:          10,
		AsyncMovingWindowStorage: 7,
	}
	for name, want := range counts {
		set, err := m.Set(name)
		require.NoError(t, err)
		assert.Len(t, set.Backends, want, name)
		assert.Equal(t, "in-memory", set.Backends[0].ID)
	}
}

func TestDefault_AsyncSetsArePrefixed(t *testing.T) {
	m := Default()
	for _, name := range []string{AsyncAllStorage, AsyncMovingWindowStorage} {
		set, err := m.Set(name)
		require.NoError(t, err)
		for _, b := range set.Backends {
			assert.True(t, b.Async(), b.URI)
		}
	}
	set, err := m.Set(AllStorage)
	require.NoError(t, err)
	for _, b := range set.Backends {
		assert.False(t, b.Async(), b.URI)
	}
}

func TestDefault_Options(t *testing.T) {
	set, err := Default().Set(AsyncMovingWindowStorage)
	require.NoError(t, err)

	ssl, err := set.Get("redis-ssl-cluster")
	require.NoError(t, err)
	assert.True(t, ssl.Options.Bool("ssl"))
	assert.Equal(t, "required", ssl.Options.String("ssl_cert_reqs"))
	assert.Equal(t, "./tests/tls/ca.crt", ssl.Options.String("ssl_ca_certs"))
	assert.Equal(t, "redis+cluster", ssl.Scheme())

	sentinel, err := set.Get("redis-sentinel")
	require.NoError(t, err)
	_, present := sentinel.Options["use_replicas"]
	assert.True(t, present)
	assert.False(t, sentinel.Options.Bool("use_replicas"))

	_, err = set.Get("etcd")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestBackend_Scheme(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"memory://", "memory"},
		{"async+memory://", "memory"},
		{"redis+sentinel://localhost:26379/mymaster", "redis+sentinel"},
		{"async+redis+cluster://:sekret@localhost:8400/", "redis+cluster"},
		{"garbage", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backend{URI: tt.uri}.Scheme(), tt.uri)
	}
}

func TestBackend_Runnable(t *testing.T) {
	set, err := Default().Set(AllStorage)
	require.NoError(t, err)

	memory, _ := set.Get("in-memory")
	memcached, _ := set.Get("memcached")
	redis, _ := set.Get("redis_basic")

	none := NewMarkSet()
	assert.True(t, memory.Runnable(none))
	assert.True(t, memory.Runnable(nil))
	assert.False(t, redis.Runnable(none))
	assert.True(t, redis.Runnable(ParseMarks("redis, mongodb")))

	assert.True(t, memcached.HasMark(MarkFlaky))
	assert.False(t, memcached.Runnable(ParseMarks("flaky")))
	assert.True(t, memcached.Runnable(ParseMarks("memcached")))
}

func TestOptions_Int(t *testing.T) {
	o := Options{"db": "3", "bad": "x"}
	assert.Equal(t, 3, o.Int("db", 0))
	assert.Equal(t, 7, o.Int("bad", 7))
	assert.Equal(t, 7, o.Int("missing", 7))
}

func TestLoad_Rejects(t *testing.T) {
	_, err := Load(strings.NewReader("s:\n  - id: a\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("s:\n  - id: a\n    uri: memory://\n  - id: a\n    uri: memory://\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = Load(strings.NewReader("- a\n- b\n"))
	assert.Error(t, err)

	_, err = Default().Set("nope")
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRun_SkipsDisabledBackends(t *testing.T) {
	set := Set{Name: "s", Backends: []Backend{
		{ID: "mem", URI: "memory://"},
		{ID: "redis", URI: "redis://localhost:1", Marks: []Mark{MarkRedis}},
		{ID: "flaky-mem", URI: "memory://", Marks: []Mark{MarkFlaky}},
	}}

	var ran []string
	Run(t, set, NewMarkSet(), func(t *testing.T, b Backend) {
		ran = append(ran, b.ID)
	})

	assert.Equal(t, []string{"mem", "flaky-mem"}, ran)
}
