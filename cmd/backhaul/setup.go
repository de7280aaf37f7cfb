package main

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/wmnsk/go-pfcp/ie"

	"github.com/free5gc/go-backhaul/internal/backhaul"
	"github.com/free5gc/go-backhaul/internal/forwarder"
	"github.com/free5gc/go-backhaul/internal/gtpu"
	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/internal/ring"
	"github.com/free5gc/go-backhaul/pkg/factory"
)

type backhaulApp struct {
	driver forwarder.Driver
	ctrl   *backhaul.Controller
}

// start programs the ring described by cfg: groups and flood sets, slice
// meters, endpoints in config order and then the static bearers.
func start(ctx context.Context, cfg *factory.Config) (*backhaulApp, error) {
	r, err := ring.New(ring.Config{
		Switches:    cfg.Ring.Switches,
		LinkRate:    cfg.Ring.LinkRate,
		LinkDelay:   cfg.Ring.LinkDelay,
		NoFloodLink: cfg.Ring.NoFloodLink,
	})
	if err != nil {
		return nil, err
	}
	anchor, err := netip.ParsePrefix(cfg.Addressing.AnchorSubnet)
	if err != nil {
		return nil, errors.Wrap(err, "anchor subnet")
	}
	nodes, err := netip.ParsePrefix(cfg.Addressing.NodeSupernet)
	if err != nil {
		return nil, errors.Wrap(err, "node supernet")
	}
	builder, err := ring.NewBuilder(r, ring.Addressing{AnchorSubnet: anchor, NodeSupernet: nodes})
	if err != nil {
		return nil, err
	}

	drv, err := forwarder.NewDriver(ctx, cfg.Forwarder)
	if err != nil {
		return nil, err
	}
	app := &backhaulApp{
		driver: drv,
		ctrl:   backhaul.NewController(builder, forwarder.NewInstaller(r, drv), gtpu.NewLogSink()),
	}
	if err = app.program(ctx, cfg); err != nil {
		if cerr := drv.Close(); cerr != nil {
			logger.MainLog.Errorf("close forwarder: %+v", cerr)
		}
		return nil, err
	}
	return app, nil
}

func (a *backhaulApp) program(ctx context.Context, cfg *factory.Config) error {
	quotas := make([]forwarder.SliceQuota, 0, len(cfg.Slices))
	for _, s := range cfg.Slices {
		quotas = append(quotas, forwarder.SliceQuota{SliceID: s.ID, Kbps: s.Quota})
	}
	if err := a.ctrl.Bootstrap(ctx, quotas); err != nil {
		return err
	}

	for _, ep := range cfg.Endpoints {
		kind := ring.KindEnb
		if ep.Kind == factory.KindGateway {
			kind = ring.KindGateway
		}
		var err error
		if ep.Switch != nil {
			_, err = a.ctrl.AttachAt(ctx, ring.Endpoint{Name: ep.Name, Kind: kind}, *ep.Switch)
		} else if kind == ring.KindGateway {
			_, err = a.ctrl.AttachGateway(ctx, ep.Name)
		} else {
			_, err = a.ctrl.AttachEnb(ctx, ep.Name)
		}
		if err != nil {
			return err
		}
	}

	for i, b := range cfg.Bearers {
		req := backhaul.BearerRequest{
			SliceID:  b.Slice,
			Imsi:     b.Imsi,
			BearerID: b.BearerID,
			Gateway:  b.Gateway,
			Enb:      b.Enb,
		}
		if b.Qos != nil {
			// Static bearers carry their rates the way a session request would.
			qer := ie.NewCreateQER(
				ie.NewQERID(uint32(i+1)),
				ie.NewMBR(b.Qos.MbrUl, b.Qos.MbrDl),
				ie.NewGBR(b.Qos.GbrUl, b.Qos.GbrDl),
			)
			q, err := backhaul.QoSFromCreateQER(qer)
			if err != nil {
				return errors.Wrapf(err, "bearers[%d]", i)
			}
			req.QoS = q
		}
		admitted, err := a.ctrl.AdmitBearer(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "bearers[%d] %s", i, b)
		}
		if b.Inverted {
			if _, err = a.ctrl.InvertRoute(ctx, admitted.Teid); err != nil {
				return errors.Wrapf(err, "bearers[%d] %s", i, b)
			}
		}
	}
	return nil
}

func (a *backhaulApp) summary() {
	r := a.ctrl.Ring()
	logger.MainLog.Infof("ring of %d switches, %d links", r.Size(), len(r.Links()))
	if l, ok := r.NoFloodLink(); ok {
		logger.MainLog.Infof("no-flood %s", l)
	}
	for _, b := range a.ctrl.Bearers() {
		logger.MainLog.Infof("bearer %s: %s -> %s %s, %d hops, qos %s",
			b.Teid, b.Gateway.Endpoint.Name, b.Enb.Endpoint.Name, b.Route, b.Route.Hops(), b.QosType())
	}
	if m, ok := a.driver.(*forwarder.MemoryDriver); ok {
		logger.MainLog.Infof("%d directives applied, %d flows installed", m.Applied(), m.FlowCount())
	}
}
