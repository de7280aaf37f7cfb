package forwarder

import (
	"context"
	"os"
	"sync"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/pkg/factory"
)

// cellPool hands out meter cells, reusing released ones first.
type cellPool struct {
	size int64
	next int64
	free []int64
}

func (c *cellPool) alloc() (int64, error) {
	last := len(c.free) - 1
	if last >= 0 {
		cell := c.free[last]
		c.free = c.free[:last]
		return cell, nil
	}
	if c.next >= c.size {
		return 0, errors.Errorf("all %d meter cells in use", c.size)
	}
	cell := c.next
	c.next++
	return cell, nil
}

func (c *cellPool) release(cell int64) {
	c.free = append(c.free, cell)
}

// device is one switch programmed over P4Runtime.
type device struct {
	sw       int
	id       uint64
	client   p4.P4RuntimeClient
	conn     *grpc.ClientConn
	election *p4.Uint128
	cancel   context.CancelFunc
	cells    *cellPool
	meters   map[ident.MeterId]int64
	bound    map[flowKey]int64
	log      *logrus.Entry
}

func newDevice(sw int, id uint64, client p4.P4RuntimeClient, electionID uint64, cells int64) *device {
	return &device{
		sw:       sw,
		id:       id,
		client:   client,
		election: &p4.Uint128{High: 0, Low: electionID},
		cells:    &cellPool{size: cells},
		meters:   make(map[ident.MeterId]int64),
		bound:    make(map[flowKey]int64),
		log: logger.FwderLog.WithFields(logrus.Fields{
			logger.FieldSwitch: sw,
			logger.FieldDevice: id,
		}),
	}
}

// arbitrate opens the stream channel and claims primary for this controller.
// The stream stays open until close; losing it gives up the role.
func (dev *device) arbitrate(ctx context.Context) error {
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := dev.client.StreamChannel(sctx)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "device %d open stream", dev.id)
	}
	err = stream.Send(&p4.StreamMessageRequest{
		Update: &p4.StreamMessageRequest_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId:   dev.id,
				ElectionId: dev.election,
			},
		},
	})
	if err != nil {
		cancel()
		return errors.Wrapf(err, "device %d send arbitration", dev.id)
	}

	type result struct {
		rsp *p4.StreamMessageResponse
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rsp, err := stream.Recv()
		ch <- result{rsp, err}
	}()
	var res result
	select {
	case <-ctx.Done():
		cancel()
		return errors.Wrapf(ctx.Err(), "device %d arbitration", dev.id)
	case res = <-ch:
	}
	if res.err != nil {
		cancel()
		return errors.Wrapf(res.err, "device %d arbitration", dev.id)
	}
	arb := res.rsp.GetArbitration()
	if arb == nil {
		cancel()
		return errors.Errorf("device %d answered arbitration with %T", dev.id, res.rsp.GetUpdate())
	}
	if code := arb.GetStatus().GetCode(); code != 0 {
		cancel()
		return errors.Errorf("device %d refused primary role: code %d %s", dev.id, code, arb.GetStatus().GetMessage())
	}
	dev.cancel = cancel
	dev.log.Infof("primary with election id %d", dev.election.GetLow())
	return nil
}

func (dev *device) setPipeline(ctx context.Context, p4info *p4config.P4Info, devConfig []byte) error {
	_, err := dev.client.SetForwardingPipelineConfig(ctx, &p4.SetForwardingPipelineConfigRequest{
		DeviceId:   dev.id,
		ElectionId: dev.election,
		Action:     p4.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4.ForwardingPipelineConfig{
			P4Info:         p4info,
			P4DeviceConfig: devConfig,
		},
	})
	return errors.Wrapf(err, "device %d set pipeline", dev.id)
}

// write sends one update per request: the switch may reorder updates inside a
// batch, and later directives depend on earlier ones.
func (dev *device) write(ctx context.Context, u *p4.Update) error {
	_, err := dev.client.Write(ctx, &p4.WriteRequest{
		DeviceId:   dev.id,
		ElectionId: dev.election,
		Updates:    []*p4.Update{u},
	})
	return errors.Wrapf(err, "device %d %s", dev.id, u.GetType())
}

func (dev *device) apply(ctx context.Context, tr *Translator, d Directive) error {
	switch d := d.(type) {
	case GroupDirective:
		member, group, err := tr.Group(d)
		if err != nil {
			return err
		}
		if d.Op == OpDelete {
			if err := dev.write(ctx, groupUpdate(d.Op, group)); err != nil {
				return err
			}
			return dev.write(ctx, memberUpdate(d.Op, member))
		}
		if err := dev.write(ctx, memberUpdate(d.Op, member)); err != nil {
			return err
		}
		return dev.write(ctx, groupUpdate(d.Op, group))
	case PortDirective:
		member, err := tr.Member(d.Port)
		if err != nil {
			return err
		}
		return dev.write(ctx, memberUpdate(d.Op, member))
	case FloodDirective:
		return dev.write(ctx, replicationUpdate(d.Op, tr.Flood(d)))
	case MeterDirective:
		return dev.applyMeter(ctx, tr, d)
	case FlowDirective:
		return dev.applyFlow(ctx, tr, d)
	}
	return errors.Errorf("unknown directive %T", d)
}

func (dev *device) applyMeter(ctx context.Context, tr *Translator, d MeterDirective) error {
	cell, ok := dev.meters[d.Meter]
	if err := checkOp(d.Op, ok); err != nil {
		return errors.Wrapf(err, "meter %s", d.Meter)
	}
	if d.Op == OpInsert {
		var err error
		if cell, err = dev.cells.alloc(); err != nil {
			return err
		}
		if err := dev.write(ctx, meterUpdate(tr.Meter(d, cell))); err != nil {
			dev.cells.release(cell)
			return err
		}
		dev.meters[d.Meter] = cell
		return nil
	}
	if err := dev.write(ctx, meterUpdate(tr.Meter(d, cell))); err != nil {
		return err
	}
	if d.Op == OpDelete {
		delete(dev.meters, d.Meter)
		dev.cells.release(cell)
	}
	return nil
}

// applyFlow keeps the flow_meters binding of a flow in step with the flow
// itself. The binding goes in before the flow and comes out after it, so a
// metered flow never forwards unpoliced.
func (dev *device) applyFlow(ctx context.Context, tr *Translator, d FlowDirective) error {
	key := flowKey{cookie: d.Cookie, dst: d.Dst}
	entry, err := tr.Flow(d)
	if err != nil {
		return err
	}
	cell, bound := dev.bound[key]

	unbind := func() error {
		binding, err := tr.FlowMeter(d, cell)
		if err != nil {
			return err
		}
		if err := dev.write(ctx, tableUpdate(OpDelete, binding)); err != nil {
			return err
		}
		delete(dev.bound, key)
		return nil
	}

	if d.Op == OpDelete {
		if err := dev.write(ctx, tableUpdate(OpDelete, entry)); err != nil {
			return err
		}
		if bound {
			return unbind()
		}
		return nil
	}

	if d.Metered() {
		want, ok := dev.meters[d.Meter]
		if !ok {
			return errors.Wrapf(ErrDangling, "meter %s", d.Meter)
		}
		op := OpInsert
		if bound {
			op = OpModify
		}
		binding, err := tr.FlowMeter(d, want)
		if err != nil {
			return err
		}
		if err := dev.write(ctx, tableUpdate(op, binding)); err != nil {
			return err
		}
		dev.bound[key] = want
	}
	if err := dev.write(ctx, tableUpdate(d.Op, entry)); err != nil {
		return err
	}
	if !d.Metered() && bound {
		return unbind()
	}
	return nil
}

func (dev *device) close() error {
	if dev.cancel != nil {
		dev.cancel()
	}
	if dev.conn != nil {
		return dev.conn.Close()
	}
	return nil
}

// P4rtDriver programs one P4Runtime device per ring switch.
type P4rtDriver struct {
	mu      sync.Mutex
	tr      *Translator
	devices map[int]*device
	log     *logrus.Entry
}

func newP4rtDriver(tr *Translator) *P4rtDriver {
	return &P4rtDriver{
		tr:      tr,
		devices: make(map[int]*device),
		log:     logger.FwderLog.WithField(logger.FieldCategory, "P4rt"),
	}
}

// OpenP4rt dials every target, claims the primary role on it and, when a
// device config is given, pushes the pipeline first.
func OpenP4rt(ctx context.Context, cfg *factory.Forwarder) (*P4rtDriver, error) {
	p4info, err := LoadP4Info(cfg.P4Info)
	if err != nil {
		return nil, err
	}
	tr, err := NewTranslator(p4info)
	if err != nil {
		return nil, err
	}
	var devConfig []byte
	if cfg.PipelineConfig != "" {
		if devConfig, err = os.ReadFile(cfg.PipelineConfig); err != nil {
			return nil, errors.Wrap(err, "read pipeline config")
		}
	}

	driver := newP4rtDriver(tr)
	for _, target := range cfg.Targets {
		driver.log.Infof("connecting sw%d to %s (device %d)", target.Switch, target.Addr, target.DeviceID)
		conn, err := grpc.DialContext(ctx, target.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			driver.Close()
			return nil, errors.Wrapf(err, "dial %s", target.Addr)
		}
		dev := newDevice(target.Switch, target.DeviceID, p4.NewP4RuntimeClient(conn), cfg.ElectionID, tr.MeterSize())
		dev.conn = conn
		driver.devices[target.Switch] = dev
		if err := dev.arbitrate(ctx); err != nil {
			driver.Close()
			return nil, err
		}
		if devConfig != nil {
			if err := dev.setPipeline(ctx, p4info, devConfig); err != nil {
				driver.Close()
				return nil, err
			}
		}
	}
	return driver, nil
}

func (p *P4rtDriver) Apply(ctx context.Context, ds []Directive) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return err
		}
		dev, ok := p.devices[d.Target()]
		if !ok {
			return errors.Errorf("no p4runtime target for sw%d", d.Target())
		}
		if err := dev.apply(ctx, p.tr, d); err != nil {
			return errors.Wrapf(err, "apply %s", d)
		}
		dev.log.Tracef("%s", d)
	}
	return nil
}

func (p *P4rtDriver) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for sw, dev := range p.devices {
		if err := dev.close(); err != nil {
			p.log.Errorf("close sw%d: %+v", sw, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
