package backhaul

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wmnsk/go-pfcp/ie"

	"github.com/free5gc/go-backhaul/internal/forwarder"
)

func TestQoSFromCreateQER(t *testing.T) {
	q, err := QoSFromCreateQER(ie.NewCreateQER(
		ie.NewQERID(1),
		ie.NewGateStatus(ie.GateStatusOpen, ie.GateStatusOpen),
		ie.NewMBR(2000, 8000),
		ie.NewGBR(1000, 0),
	))
	require.NoError(t, err)
	assert.Equal(t, forwarder.QoS{MbrUlKbps: 2000, MbrDlKbps: 8000, GbrUlKbps: 1000}, q)

	q, err = QoSFromCreateQER(ie.NewCreateQER(ie.NewQERID(2)))
	require.NoError(t, err)
	assert.Equal(t, forwarder.QoS{}, q)
}

func TestQoSFromCreateQERErrors(t *testing.T) {
	_, err := QoSFromCreateQER(nil)
	require.Error(t, err)
	_, err = QoSFromCreateQER(ie.NewQERID(1))
	require.Error(t, err)
	_, err = QoSFromCreateQER(ie.NewCreateQER(ie.NewMBR(1, 1)))
	require.Error(t, err)
}
