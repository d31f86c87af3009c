package mqttingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ClientConfig {
	return &ClientConfig{
		BrokerURL: "tcp://localhost:1883",
		ClientID:  "test-client",
		Topics:    []string{"bike/+/telemetry"},
		QoS:       1,
	}
}

var routeNop RouteFunc = func(_ context.Context, _ string, _ []byte, _ time.Time) error {
	return nil
}

func TestNewClient_Validation(t *testing.T) {
	t.Run("requires broker URL", func(t *testing.T) {
		cfg := validConfig()
		cfg.BrokerURL = ""
		_, err := NewClient(cfg, routeNop, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("requires route function", func(t *testing.T) {
		_, err := NewClient(validConfig(), nil, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("requires at least one topic", func(t *testing.T) {
		cfg := validConfig()
		cfg.Topics = nil
		_, err := NewClient(cfg, routeNop, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("accepts plain tcp broker", func(t *testing.T) {
		client, err := NewClient(validConfig(), routeNop, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, StateDisconnected, client.State())
	})
}

func TestNewClient_InvalidTLSMaterialIsFatal(t *testing.T) {
	t.Run("unreadable CA file", func(t *testing.T) {
		cfg := validConfig()
		cfg.BrokerURL = "tls://broker.example.com:8883"
		cfg.CACertFile = filepath.Join(t.TempDir(), "does-not-exist.pem")
		_, err := NewClient(cfg, routeNop, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("CA file that is not PEM", func(t *testing.T) {
		caFile := filepath.Join(t.TempDir(), "garbage.pem")
		require.NoError(t, os.WriteFile(caFile, []byte("not a certificate"), 0o600))

		cfg := validConfig()
		cfg.BrokerURL = "ssl://broker.example.com:8883"
		cfg.CACertFile = caFile
		_, err := NewClient(cfg, routeNop, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("tcp broker skips TLS validation", func(t *testing.T) {
		cfg := validConfig()
		cfg.CACertFile = filepath.Join(t.TempDir(), "does-not-exist.pem")
		_, err := NewClient(cfg, routeNop, zerolog.Nop())
		require.NoError(t, err)
	})
}

func TestNeedsTLS(t *testing.T) {
	assert.True(t, needsTLS("tls://broker:8883"))
	assert.True(t, needsTLS("ssl://broker:8883"))
	assert.True(t, needsTLS("mqtts://broker:8883"))
	assert.True(t, needsTLS("TLS://broker:8883"))
	assert.False(t, needsTLS("tcp://broker:1883"))
	assert.False(t, needsTLS("ws://broker:80"))
}

func TestReconnectBackoff_GrowsAndRespectsCeiling(t *testing.T) {
	min := time.Second
	max := 30 * time.Second

	prevBase := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		delay := reconnectBackoff(attempt, min, max)
		assert.GreaterOrEqual(t, delay, min, "attempt %d below minimum", attempt)
		assert.LessOrEqual(t, delay, max, "attempt %d exceeded ceiling", attempt)

		// The un-jittered base doubles until it hits the ceiling.
		base := min
		for i := 1; i < attempt; i++ {
			base *= 2
			if base >= max {
				base = max
				break
			}
		}
		assert.GreaterOrEqual(t, delay, base, "attempt %d below its exponential base", attempt)
		assert.GreaterOrEqual(t, base, prevBase)
		prevBase = base
	}

	// Far past the ceiling the delay is exactly capped, jitter included.
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, reconnectBackoff(100, min, max), max)
	}
}

func TestReconnectBackoff_HandlesDegenerateBounds(t *testing.T) {
	// max below min collapses to min.
	delay := reconnectBackoff(5, 10*time.Second, time.Second)
	assert.Equal(t, 10*time.Second, delay)

	// Non-positive min falls back to one second.
	delay = reconnectBackoff(1, 0, 30*time.Second)
	assert.GreaterOrEqual(t, delay, time.Second)
}

func TestStateTracker_TransitionsAndWatch(t *testing.T) {
	tracker := newStateTracker(zerolog.Nop())
	assert.Equal(t, StateDisconnected, tracker.get())

	watcher := tracker.watch()

	tracker.set(StateConnecting)
	tracker.set(StateConnected)
	tracker.set(StateConnected) // duplicate, must not notify
	tracker.set(StateDegraded)

	assert.Equal(t, StateDegraded, tracker.get())

	var seen []ConnectionState
	for i := 0; i < 3; i++ {
		select {
		case s := <-watcher:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("missing transition %d", i)
		}
	}
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDegraded}, seen)

	select {
	case s := <-watcher:
		t.Fatalf("unexpected extra transition: %s", s)
	default:
	}
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
}

func TestLoadClientConfigWithEnv_Defaults(t *testing.T) {
	t.Setenv(EnvBrokerURL, "tcp://broker:1883")
	t.Setenv(EnvClientID, "")

	cfg := LoadClientConfigWithEnv()
	assert.Equal(t, "tcp://broker:1883", cfg.BrokerURL)
	assert.NotEmpty(t, cfg.ClientID, "client id must default to a stable per-host value")
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Len(t, cfg.Topics, 3)
	assert.Equal(t, time.Second, cfg.ReconnectWaitMin)
	assert.Equal(t, 120*time.Second, cfg.ReconnectWaitMax)
}
