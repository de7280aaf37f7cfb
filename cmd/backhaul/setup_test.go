package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/free5gc/go-backhaul/internal/forwarder"
	"github.com/free5gc/go-backhaul/internal/routing"
	"github.com/free5gc/go-backhaul/pkg/factory"
)

func TestStart(t *testing.T) {
	cfg, err := factory.ReadConfig(filepath.Join("..", "..", "pkg", "factory", "testdata", "ring.yaml"))
	require.NoError(t, err)

	app, err := start(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.driver.Close()) }()

	bearers := app.ctrl.Bearers()
	require.Len(t, bearers, 2)

	first := bearers[0]
	assert.Equal(t, uint8(1), first.Teid.SliceID())
	assert.Equal(t, 1, first.Enb.Switch)
	assert.Equal(t, routing.Clockwise, first.Route.DownlinkPath())
	assert.Equal(t, forwarder.QoS{MbrUlKbps: 2000, MbrDlKbps: 8000}, first.QoS)

	second := bearers[1]
	assert.Equal(t, 3, second.Enb.Switch)
	assert.True(t, second.Route.IsInverted())
	assert.Equal(t, routing.Clockwise, second.Route.DownlinkPath())

	drv, ok := app.driver.(*forwarder.MemoryDriver)
	require.True(t, ok)
	visited, _, err := drv.Walk(app.ctrl.Ring(), 0, second.Teid, second.Enb.Addr)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, visited)

	app.summary()
}

func TestStartBadBearer(t *testing.T) {
	cfg, err := factory.ReadConfig(filepath.Join("..", "..", "pkg", "factory", "testdata", "ring.yaml"))
	require.NoError(t, err)
	cfg.Bearers[1].BearerID = 5
	cfg.Bearers[1].Slice = 1
	cfg.Bearers[1].Imsi = 100

	_, err = start(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bearers[1]")
}
