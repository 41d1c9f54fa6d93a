package main

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/eventfabric/internal/app/cache"
	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/infra/bootstrap"
	"github.com/coachpo/eventfabric/internal/infra/config"
)

func TestCacheConfigCopiesFields(t *testing.T) {
	off := false
	cfg := config.Default().Cache
	cfg.Subject = "EUR/USD"
	cfg.StaleTimeout = time.Minute
	cfg.StoreEvents = &off

	got := cacheConfig(cfg)
	require.Equal(t, cfg.Endpoint, got.Endpoint)
	require.Equal(t, "EUR/USD", got.Subject)
	require.Equal(t, time.Minute, got.StaleTimeout)
	require.Equal(t, cfg.SnapshotTimeout, got.SnapshotTimeout)
	require.False(t, got.StoreEvents)

	require.True(t, cacheConfig(config.Default().Cache).StoreEvents)
}

func TestReportLogsView(t *testing.T) {
	serializer, err := bootstrap.FxCodec()
	require.NoError(t, err)
	c := cache.New[*fx.CurrencyPair](cache.Config{Endpoint: "ws://127.0.0.1:1"}, serializer, fx.NewCurrencyPair, log.New(&bytes.Buffer{}, "", 0))

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	report(ctx, log.New(&buf, "", 0), c, 20*time.Millisecond)

	require.True(t, strings.Contains(buf.String(), "view connection=NotConnected"), buf.String())
	require.True(t, strings.Contains(buf.String(), "pairs=0"), buf.String())
}
