package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientWithAddr(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClientWithURL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClientRejectsMalformedURL(t *testing.T) {
	_, err := NewClient(Options{URL: "http://not-redis"})
	assert.Error(t, err)
}

func TestNewClientRejectsURLAndAddrTogether(t *testing.T) {
	_, err := NewClient(Options{URL: "redis://localhost:6379", Addr: "localhost:6380"})
	assert.Error(t, err)
}

func TestNewClientSentinelValidation(t *testing.T) {
	t.Run("missing master name", func(t *testing.T) {
		_, err := NewClient(Options{Sentinel: &SentinelOptions{Addrs: []string{"localhost:26379"}}})
		assert.Error(t, err)
	})

	t.Run("missing addrs", func(t *testing.T) {
		_, err := NewClient(Options{Sentinel: &SentinelOptions{MasterName: "mymaster"}})
		assert.Error(t, err)
	})

	t.Run("sentinel ignores direct addr", func(t *testing.T) {
		client, err := NewClient(Options{
			Addr:     "direct-host:6379",
			Sentinel: &SentinelOptions{MasterName: "mymaster", Addrs: []string{"localhost:26379"}},
		})
		require.NoError(t, err)
		defer client.Close()
		// Failover clients do not dial the direct address.
		assert.NotEqual(t, "direct-host:6379", client.Options().Addr)
	})
}

func TestNewClientInstallsHooks(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(Options{Addr: mr.Addr()}, DialMetricsHook{}, NewBreakerHook(nil))
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()).Err())
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
}
