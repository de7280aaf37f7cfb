package forwarder

import (
	"context"
	"net/netip"
	"testing"

	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	status "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/ring"
)

// fakeClient records writes. Methods a test does not override panic through
// the nil embedded interface.
type fakeClient struct {
	p4.P4RuntimeClient
	writes   []*p4.WriteRequest
	pipeline *p4.SetForwardingPipelineConfigRequest
	stream   *fakeStream
	failAt   int
}

func (c *fakeClient) Write(_ context.Context, req *p4.WriteRequest, _ ...grpc.CallOption) (*p4.WriteResponse, error) {
	if c.failAt > 0 && len(c.writes)+1 == c.failAt {
		return nil, errors.New("rpc error: code = AlreadyExists")
	}
	c.writes = append(c.writes, req)
	return &p4.WriteResponse{}, nil
}

func (c *fakeClient) SetForwardingPipelineConfig(_ context.Context, req *p4.SetForwardingPipelineConfigRequest,
	_ ...grpc.CallOption,
) (*p4.SetForwardingPipelineConfigResponse, error) {
	c.pipeline = req
	return &p4.SetForwardingPipelineConfigResponse{}, nil
}

func (c *fakeClient) StreamChannel(context.Context, ...grpc.CallOption) (p4.P4Runtime_StreamChannelClient, error) {
	return c.stream, nil
}

type fakeStream struct {
	p4.P4Runtime_StreamChannelClient
	sent []*p4.StreamMessageRequest
	code int32
}

func (s *fakeStream) Send(m *p4.StreamMessageRequest) error {
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeStream) Recv() (*p4.StreamMessageResponse, error) {
	arb := s.sent[len(s.sent)-1].GetArbitration()
	return &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId:   arb.GetDeviceId(),
				ElectionId: arb.GetElectionId(),
				Status:     &status.Status{Code: s.code},
			},
		},
	}, nil
}

// newFakeP4rt gives every switch of an n switch ring its own fake device.
func newFakeP4rt(t *testing.T, n int) (*P4rtDriver, []*fakeClient) {
	t.Helper()
	tr, _ := loadTranslator(t)
	driver := newP4rtDriver(tr)
	clients := make([]*fakeClient, n)
	for sw := 0; sw < n; sw++ {
		clients[sw] = &fakeClient{}
		driver.devices[sw] = newDevice(sw, uint64(sw+1), clients[sw], 7, tr.MeterSize())
	}
	return driver, clients
}

type written struct {
	kind string
	op   p4.Update_Type
}

func kinds(c *fakeClient) []written {
	var out []written
	for _, req := range c.writes {
		for _, u := range req.GetUpdates() {
			w := written{op: u.GetType()}
			switch u.GetEntity().GetEntity().(type) {
			case *p4.Entity_TableEntry:
				w.kind = "table"
				if u.GetEntity().GetTableEntry().GetTableId() == metersTableID {
					w.kind = "binding"
				}
			case *p4.Entity_ActionProfileMember:
				w.kind = "member"
			case *p4.Entity_ActionProfileGroup:
				w.kind = "group"
			case *p4.Entity_PacketReplicationEngineEntry:
				w.kind = "flood"
			case *p4.Entity_MeterEntry:
				w.kind = "meter"
			}
			out = append(out, w)
		}
	}
	return out
}

func TestP4rtBootstrap(t *testing.T) {
	driver, clients := newFakeP4rt(t, 3)
	r, err := ring.New(ring.Config{Switches: 3})
	require.NoError(t, err)
	in := NewInstaller(r, driver)
	require.NoError(t, in.BootstrapRing(context.Background()))

	for sw, c := range clients {
		assert.Equal(t, []written{
			{"member", p4.Update_INSERT},
			{"group", p4.Update_INSERT},
			{"member", p4.Update_INSERT},
			{"group", p4.Update_INSERT},
			{"flood", p4.Update_INSERT},
		}, kinds(c), "sw%d", sw)
		for _, req := range c.writes {
			assert.Equal(t, uint64(sw+1), req.GetDeviceId())
			assert.Equal(t, uint64(7), req.GetElectionId().GetLow())
			assert.Len(t, req.GetUpdates(), 1)
		}
	}

	// sw0 gets its clockwise group from link 0 and its counterclockwise
	// group from link 2
	group := clients[0].writes[1].GetUpdates()[0].GetEntity().GetActionProfileGroup()
	assert.Equal(t, uint32(GroupClockwise), group.GetGroupId())
	group = clients[0].writes[3].GetUpdates()[0].GetEntity().GetActionProfileGroup()
	assert.Equal(t, uint32(GroupCounterClockwise), group.GetGroupId())
	assert.Equal(t, ring.PortCounterClockwise, group.GetMembers()[0].GetMemberId())
}

func TestP4rtMeteredFlow(t *testing.T) {
	driver, clients := newFakeP4rt(t, 1)
	ctx := context.Background()
	teid, err := ident.TeidCreate(1, 1, 1)
	require.NoError(t, err)
	meter, err := ident.MeterIdMbrCreate(ident.IfaceS5, teid)
	require.NoError(t, err)
	md := MeterDirective{Meta: Meta{Switch: 0}, Meter: meter, PeakKbps: 800}
	f := flow(t, 0, PriorityLocal, teid)
	f.Meter = meter

	require.NoError(t, driver.Apply(ctx, []Directive{md, f}))
	assert.Equal(t, []written{
		{"meter", p4.Update_MODIFY},
		{"binding", p4.Update_INSERT},
		{"table", p4.Update_INSERT},
	}, kinds(clients[0]))
	binding := clients[0].writes[1].GetUpdates()[0].GetEntity().GetTableEntry()
	assert.Equal(t, []byte{0x00, 0x00}, binding.GetAction().GetAction().GetParams()[0].GetValue())

	// dropping the meter reference removes the binding after the flow changed
	clients[0].writes = nil
	f.Op = OpModify
	f.Meter = ident.MeterId{}
	require.NoError(t, driver.Apply(ctx, []Directive{f}))
	assert.Equal(t, []written{
		{"table", p4.Update_MODIFY},
		{"binding", p4.Update_DELETE},
	}, kinds(clients[0]))

	clients[0].writes = nil
	f.Meter = meter
	require.NoError(t, driver.Apply(ctx, []Directive{f}))
	f.Op = OpDelete
	md.Op = OpDelete
	require.NoError(t, driver.Apply(ctx, []Directive{f, md}))
	assert.Equal(t, []written{
		{"binding", p4.Update_INSERT},
		{"table", p4.Update_MODIFY},
		{"table", p4.Update_DELETE},
		{"binding", p4.Update_DELETE},
		{"meter", p4.Update_MODIFY},
	}, kinds(clients[0]))
	reset := clients[0].writes[4].GetUpdates()[0].GetEntity().GetMeterEntry()
	assert.Nil(t, reset.GetConfig())
	assert.Empty(t, driver.devices[0].meters)
	assert.Empty(t, driver.devices[0].bound)
}

func TestP4rtMeterCells(t *testing.T) {
	driver, _ := newFakeP4rt(t, 1)
	ctx := context.Background()
	dev := driver.devices[0]
	dev.cells.size = 2

	ids := make([]ident.MeterId, 3)
	for i := range ids {
		var err error
		ids[i], err = ident.MeterIdSlcCreate(uint8(i+1), ident.LinkForward)
		require.NoError(t, err)
	}
	meter := func(i int, op Op) Directive {
		return MeterDirective{Meta: Meta{Switch: 0, Op: op}, Meter: ids[i], PeakKbps: 10}
	}

	require.NoError(t, driver.Apply(ctx, []Directive{meter(0, OpInsert), meter(1, OpInsert)}))
	assert.Equal(t, map[ident.MeterId]int64{ids[0]: 0, ids[1]: 1}, dev.meters)
	require.Error(t, driver.Apply(ctx, []Directive{meter(2, OpInsert)}))

	require.NoError(t, driver.Apply(ctx, []Directive{meter(0, OpDelete), meter(2, OpInsert)}))
	assert.Equal(t, int64(0), dev.meters[ids[2]])

	err := driver.Apply(ctx, []Directive{meter(2, OpInsert)})
	require.True(t, errors.Is(err, ErrExists))
	err = driver.Apply(ctx, []Directive{meter(0, OpModify)})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestP4rtErrors(t *testing.T) {
	driver, clients := newFakeP4rt(t, 1)
	ctx := context.Background()
	teid, err := ident.TeidCreate(1, 1, 1)
	require.NoError(t, err)

	err = driver.Apply(ctx, []Directive{PortDirective{Meta: Meta{Switch: 1}, Port: 3}})
	require.Error(t, err)

	f := flow(t, 0, PriorityLocal, teid)
	f.Meter, err = ident.MeterIdMbrCreate(ident.IfaceS5, teid)
	require.NoError(t, err)
	err = driver.Apply(ctx, []Directive{f})
	require.True(t, errors.Is(err, ErrDangling))
	assert.Empty(t, clients[0].writes)

	clients[0].failAt = 2
	err = driver.Apply(ctx, []Directive{
		PortDirective{Meta: Meta{Switch: 0}, Port: 3, Addr: netip.MustParseAddr("10.2.0.1")},
		PortDirective{Meta: Meta{Switch: 0}, Port: 4},
		PortDirective{Meta: Meta{Switch: 0}, Port: 5},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AlreadyExists")
	assert.Len(t, clients[0].writes, 1)
}

func TestP4rtArbitration(t *testing.T) {
	tr, info := loadTranslator(t)
	client := &fakeClient{stream: &fakeStream{}}
	dev := newDevice(0, 3, client, 9, tr.MeterSize())

	require.NoError(t, dev.arbitrate(context.Background()))
	require.Len(t, client.stream.sent, 1)
	arb := client.stream.sent[0].GetArbitration()
	assert.Equal(t, uint64(3), arb.GetDeviceId())
	assert.Equal(t, uint64(9), arb.GetElectionId().GetLow())
	require.NotNil(t, dev.cancel)

	require.NoError(t, dev.setPipeline(context.Background(), info, []byte("{}")))
	require.NotNil(t, client.pipeline)
	assert.Equal(t, p4.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, client.pipeline.GetAction())
	assert.Equal(t, uint64(9), client.pipeline.GetElectionId().GetLow())
	assert.Equal(t, []byte("{}"), client.pipeline.GetConfig().GetP4DeviceConfig())
	require.NoError(t, dev.close())

	// another controller holds a higher election id
	refused := &fakeClient{stream: &fakeStream{code: 6}}
	dev = newDevice(0, 3, refused, 1, tr.MeterSize())
	require.Error(t, dev.arbitrate(context.Background()))
	assert.Nil(t, dev.cancel)
}
