package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventfabric/internal/infra/config"
)

func TestBrokerConfigCopiesFields(t *testing.T) {
	got := brokerConfig(config.BrokerConfig{Addr: ":0", HighWatermark: 7, SnapshotWorkers: 3})
	require.Equal(t, ":0", got.Addr)
	require.Equal(t, 7, got.HighWatermark)
	require.Equal(t, 3, got.SnapshotWorkers)
}
