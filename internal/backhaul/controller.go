// Package backhaul admits bearers onto the ring. It attaches endpoints,
// mints identifiers, picks routes and keeps the installed forwarding state in
// step with them.
package backhaul

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/forwarder"
	"github.com/free5gc/go-backhaul/internal/gtpu"
	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/internal/ring"
	"github.com/free5gc/go-backhaul/internal/routing"
	"github.com/free5gc/go-backhaul/internal/uemeta"
)

var (
	ErrEndpointExists   = errors.New("endpoint already attached")
	ErrEndpointNotFound = errors.New("endpoint not attached")
	ErrEndpointKind     = errors.New("wrong endpoint kind")
	ErrBearerNotFound   = errors.New("bearer not found")
)

// BearerRequest asks for one bearer between a gateway and a radio node.
// BearerID 0 picks the lowest free id of the UE. Filters, when given, make
// the bearer aggregated: both tunnel ends classify its packets instead of
// trusting the TEID the sender supplies.
type BearerRequest struct {
	SliceID  uint8
	Imsi     uint32
	BearerID uint8
	Gateway  string
	Enb      string
	QoS      forwarder.QoS
	Filters  []uemeta.Filter
}

// Bearer is an admitted bearer.
type Bearer struct {
	Teid       ident.Teid
	Gateway    *ring.Attachment
	Enb        *ring.Attachment
	Route      *routing.Route
	QoS        forwarder.QoS
	Aggregated bool
}

func (b Bearer) QosType() gtpu.QosType {
	if b.QoS.GbrUlKbps > 0 || b.QoS.GbrDlKbps > 0 {
		return gtpu.QosGbr
	}
	return gtpu.QosNonGbr
}

// Tunnel is what an endpoint needs to encapsulate for this bearer.
func (b Bearer) Tunnel() gtpu.Bearer {
	return gtpu.Bearer{Teid: b.Teid, QosType: b.QosType(), Aggregated: b.Aggregated}
}

// site is an attached endpoint with its tunnel end and classifier.
type site struct {
	att     *ring.Attachment
	tunnel  *gtpu.Endpoint
	filters *uemeta.Filters
}

type Controller struct {
	mu      sync.Mutex
	builder *ring.Builder
	inst    *forwarder.Installer
	routes  *routing.Table
	sink    gtpu.Sink
	sites   map[string]*site
	bearers map[ident.Teid]*Bearer
	ues     map[ueKey]*ue
	log     *logrus.Entry
}

// NewController drives inst over the ring of b. sink receives tunnel events
// from every attached endpoint and may be nil.
func NewController(b *ring.Builder, inst *forwarder.Installer, sink gtpu.Sink) *Controller {
	return &Controller{
		builder: b,
		inst:    inst,
		routes:  routing.NewTable(),
		sink:    sink,
		sites:   make(map[string]*site),
		bearers: make(map[ident.Teid]*Bearer),
		ues:     make(map[ueKey]*ue),
		log:     logger.CtrlLog,
	}
}

func (c *Controller) Ring() *ring.Ring {
	return c.builder.Ring()
}

// Bootstrap programs the ring groups and flood sets, then the slice meters.
func (c *Controller) Bootstrap(ctx context.Context, quotas []forwarder.SliceQuota) error {
	if err := c.inst.BootstrapRing(ctx); err != nil {
		return err
	}
	return c.inst.InstallSliceMeters(ctx, quotas)
}

func (c *Controller) AttachGateway(ctx context.Context, name string) (*ring.Attachment, error) {
	return c.attach(ctx, ring.Endpoint{Name: name, Kind: ring.KindGateway}, -1)
}

func (c *Controller) AttachEnb(ctx context.Context, name string) (*ring.Attachment, error) {
	return c.attach(ctx, ring.Endpoint{Name: name, Kind: ring.KindEnb}, -1)
}

// AttachAt pins ep to switch sw instead of following the placement rule.
func (c *Controller) AttachAt(ctx context.Context, ep ring.Endpoint, sw int) (*ring.Attachment, error) {
	if err := c.builder.Ring().CheckIndex(sw); err != nil {
		return nil, err
	}
	return c.attach(ctx, ep, sw)
}

func (c *Controller) attach(ctx context.Context, ep ring.Endpoint, sw int) (*ring.Attachment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sites[ep.Name]; ok {
		return nil, errors.Wrapf(ErrEndpointExists, "%s", ep.Name)
	}

	var att *ring.Attachment
	var err error
	if sw < 0 {
		att, err = c.builder.Attach(ep)
	} else {
		att, err = c.builder.AttachAt(ep, sw)
	}
	if err != nil {
		return nil, err
	}
	if err = c.inst.AttachEndpoint(ctx, att); err != nil {
		if derr := c.builder.Detach(att); derr != nil {
			c.log.Errorf("detach %s after failed install: %+v", ep.Name, derr)
		}
		return nil, err
	}

	// The gateway sees downlink packets, addressed to the UE; the radio node
	// sees uplink ones.
	node, dir := gtpu.NodePgw, uemeta.Downlink
	if ep.Kind == ring.KindEnb {
		node, dir = gtpu.NodeEnb, uemeta.Uplink
	}
	filters := uemeta.NewFilters(dir)
	c.sites[ep.Name] = &site{
		att:     att,
		tunnel:  gtpu.NewEndpoint(node, att.Addr, filters, c.sink),
		filters: filters,
	}
	c.log.WithField(logger.FieldSwitch, att.Switch).Infof("%s %s on port %d addr %s",
		ep.Kind, ep.Name, att.Port, att.Addr)
	return att, nil
}

// Endpoint returns the tunnel end of an attached endpoint.
func (c *Controller) Endpoint(name string) (*gtpu.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sites[name]
	if !ok {
		return nil, errors.Wrapf(ErrEndpointNotFound, "%s", name)
	}
	return s.tunnel, nil
}

func (c *Controller) site(name string, kind ring.EndpointKind) (*site, error) {
	s, ok := c.sites[name]
	if !ok {
		return nil, errors.Wrapf(ErrEndpointNotFound, "%s", name)
	}
	if s.att.Endpoint.Kind != kind {
		return nil, errors.Wrapf(ErrEndpointKind, "%s is a %s, want %s", name, s.att.Endpoint.Kind, kind)
	}
	return s, nil
}

// AdmitBearer mints the TEID of req, routes it from the gateway switch to the
// radio node switch and installs its forwarding state. Nothing is kept when
// any step fails.
func (c *Controller) AdmitBearer(ctx context.Context, req BearerRequest) (Bearer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gw, err := c.site(req.Gateway, ring.KindGateway)
	if err != nil {
		return Bearer{}, err
	}
	enb, err := c.site(req.Enb, ring.KindEnb)
	if err != nil {
		return Bearer{}, err
	}

	key := ueKey{slice: req.SliceID, imsi: req.Imsi}
	u, ok := c.ues[key]
	if !ok {
		u = newUe(key)
	}
	id, err := u.take(req.BearerID)
	if err != nil {
		return Bearer{}, err
	}
	teid, err := ident.TeidCreate(req.SliceID, req.Imsi, id)
	if err != nil {
		u.release(id)
		return Bearer{}, err
	}

	b, err := c.admit(ctx, teid, gw, enb, req)
	if err != nil {
		u.release(id)
		return Bearer{}, err
	}
	c.ues[key] = u
	c.bearers[teid] = b
	c.log.WithField(logger.FieldTeid, teid.String()).Infof("admitted %s -> %s %s", req.Gateway, req.Enb, b.Route)
	return *b, nil
}

func (c *Controller) admit(ctx context.Context, teid ident.Teid, gw, enb *site, req BearerRequest) (*Bearer, error) {
	route, err := routing.NewRoute(teid, gw.att.Switch, enb.att.Switch, c.builder.Ring())
	if err != nil {
		return nil, err
	}
	if err = c.routes.Add(route); err != nil {
		return nil, err
	}
	undo := func() {
		_, _ = c.routes.Remove(teid)
		gw.filters.Remove(teid)
		enb.filters.Remove(teid)
	}
	for i, f := range req.Filters {
		f.Teid = teid
		if err = gw.filters.Add(f); err == nil {
			err = enb.filters.Add(f)
		}
		if err != nil {
			undo()
			return nil, errors.Wrapf(err, "filter %d", i)
		}
	}

	rule := forwarder.BearerRule{Route: route, Gateway: gw.att, Enb: enb.att, QoS: req.QoS}
	if err = c.inst.InstallBearer(ctx, rule); err != nil {
		undo()
		return nil, err
	}
	return &Bearer{
		Teid:       teid,
		Gateway:    gw.att,
		Enb:        enb.att,
		Route:      route,
		QoS:        req.QoS,
		Aggregated: len(req.Filters) > 0,
	}, nil
}

// InvertRoute sends the bearer the other way round the ring. The route is
// flipped back when the new state cannot be installed.
func (c *Controller) InvertRoute(ctx context.Context, teid ident.Teid) (routing.Path, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, err := c.routes.Get(teid)
	if err != nil {
		return 0, err
	}
	if err = route.Invert(); err != nil {
		return 0, err
	}
	if err = c.inst.Reroute(ctx, teid); err != nil {
		_ = route.Invert()
		return 0, err
	}
	return route.DownlinkPath(), nil
}

// ResetRoute puts an inverted bearer back on its default path. It is a no-op
// for a bearer that is not inverted.
func (c *Controller) ResetRoute(ctx context.Context, teid ident.Teid) (routing.Path, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	route, err := c.routes.Get(teid)
	if err != nil {
		return 0, err
	}
	if !route.Reset() {
		return route.DownlinkPath(), nil
	}
	if err = c.inst.Reroute(ctx, teid); err != nil {
		_ = route.Invert()
		return 0, err
	}
	return route.DownlinkPath(), nil
}

// ReleaseBearer removes the bearer's forwarding state and frees its id.
func (c *Controller) ReleaseBearer(ctx context.Context, teid ident.Teid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.release(ctx, teid)
}

func (c *Controller) release(ctx context.Context, teid ident.Teid) error {
	b, ok := c.bearers[teid]
	if !ok {
		return errors.Wrapf(ErrBearerNotFound, "teid %s", teid)
	}
	if err := c.inst.RemoveBearer(ctx, teid); err != nil {
		return err
	}
	if _, err := c.routes.Remove(teid); err != nil {
		c.log.Errorf("release %s: %+v", teid, err)
	}
	c.sites[b.Gateway.Endpoint.Name].filters.Remove(teid)
	c.sites[b.Enb.Endpoint.Name].filters.Remove(teid)
	delete(c.bearers, teid)

	key := ueKey{slice: teid.SliceID(), imsi: teid.UeImsi()}
	if u, ok := c.ues[key]; ok {
		u.release(teid.BearerID())
		if len(u.ids) == 0 {
			delete(c.ues, key)
		}
	}
	c.log.WithField(logger.FieldTeid, teid.String()).Infof("released")
	return nil
}

// ReleaseUe tears down every bearer of one subscriber. It keeps going past
// failures and returns the first one.
func (c *Controller) ReleaseUe(ctx context.Context, sliceID uint8, imsi uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.ues[ueKey{slice: sliceID, imsi: imsi}]
	if !ok {
		return nil
	}
	teids, err := u.teids()
	if err != nil {
		return err
	}
	var first error
	for _, teid := range teids {
		if err := c.release(ctx, teid); err != nil {
			c.log.Errorf("release %s: %+v", teid, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Controller) Bearer(teid ident.Teid) (Bearer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bearers[teid]
	if !ok {
		return Bearer{}, errors.Wrapf(ErrBearerNotFound, "teid %s", teid)
	}
	return *b, nil
}

// Bearers lists the admitted bearers ordered by TEID.
func (c *Controller) Bearers() []Bearer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Bearer, 0, len(c.bearers))
	for _, b := range c.bearers {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Teid.Uint32() < out[j].Teid.Uint32()
	})
	return out
}
