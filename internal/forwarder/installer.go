package forwarder

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/internal/ring"
	"github.com/free5gc/go-backhaul/internal/routing"
)

// Local delivery must win over transit when both match on one switch.
const (
	PriorityTransit uint16 = 0x0100
	PriorityLocal   uint16 = 0x0200

	fullTeidMask = ^uint32(0)
)

var (
	ErrNotBootstrapped = errors.New("ring not bootstrapped")
	ErrBearerExists    = errors.New("bearer already installed")
	ErrBearerNotFound  = errors.New("bearer not installed")
)

// QoS holds bearer bit rates in kbit/s. Zero means unconstrained.
type QoS struct {
	MbrUlKbps uint64
	MbrDlKbps uint64
	GbrUlKbps uint64
	GbrDlKbps uint64
}

func (q QoS) constrained(ul bool) bool {
	if ul {
		return q.MbrUlKbps > 0 || q.GbrUlKbps > 0
	}
	return q.MbrDlKbps > 0 || q.GbrDlKbps > 0
}

type SliceQuota struct {
	SliceID uint8
	Kbps    uint64
}

// BearerRule is everything needed to program one bearer. Route runs from the
// gateway switch to the radio node switch.
type BearerRule struct {
	Route   *routing.Route
	Gateway *ring.Attachment
	Enb     *ring.Attachment
	QoS     QoS
}

type installedKey struct {
	sw     int
	cookie ident.Cookie
	dst    netip.Addr
}

type bearerState struct {
	rule   BearerRule
	meters []MeterDirective
}

// Installer turns ring layout and bearer routes into directives and pushes
// them through a Driver. It remembers what it installed so bearers can be
// removed or rerouted without reading switch state back.
type Installer struct {
	mu      sync.Mutex
	ring    *ring.Ring
	drv     Driver
	booted  bool
	slices  map[uint8]uint64
	bearers map[ident.Teid]*bearerState
	flows   map[installedKey]FlowDirective
	log     *logrus.Entry
}

func NewInstaller(r *ring.Ring, drv Driver) *Installer {
	return &Installer{
		ring:    r,
		drv:     drv,
		slices:  make(map[uint8]uint64),
		bearers: make(map[ident.Teid]*bearerState),
		flows:   make(map[installedKey]FlowDirective),
		log:     logger.FwderLog.WithField(logger.FieldCategory, "Installer"),
	}
}

// BootstrapRing installs the two ring groups on both ends of every link and
// the flood set of every switch.
func (in *Installer) BootstrapRing(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.booted {
		return errors.New("ring already bootstrapped")
	}

	var ds []Directive
	for _, l := range in.ring.Links() {
		ds = append(ds,
			GroupDirective{Meta: Meta{Switch: l.A}, Group: GroupClockwise, Port: l.APort},
			GroupDirective{Meta: Meta{Switch: l.B}, Group: GroupCounterClockwise, Port: l.BPort},
		)
	}
	for i := 0; i < in.ring.Size(); i++ {
		ports, err := in.ring.FloodPorts(i)
		if err != nil {
			return err
		}
		ds = append(ds, FloodDirective{Meta: Meta{Switch: i}, Ports: nonNil(ports)})
	}
	if err := in.drv.Apply(ctx, ds); err != nil {
		return errors.Wrap(err, "bootstrap ring")
	}
	in.booted = true
	if l, ok := in.ring.NoFloodLink(); ok {
		in.log.Infof("ring of %d switches up, no-flood %s", in.ring.Size(), l)
	} else {
		in.log.Infof("single switch ring up")
	}
	return nil
}

// AttachEndpoint opens the attachment port for local delivery and adds it to
// the flood set of its switch.
func (in *Installer) AttachEndpoint(ctx context.Context, att *ring.Attachment) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.booted {
		return ErrNotBootstrapped
	}
	ports, err := in.ring.FloodPorts(att.Switch)
	if err != nil {
		return err
	}
	ds := []Directive{
		PortDirective{Meta: Meta{Switch: att.Switch}, Port: att.Port, Addr: att.Addr},
		FloodDirective{Meta: Meta{Switch: att.Switch, Op: OpModify}, Ports: nonNil(ports)},
	}
	return errors.Wrapf(in.drv.Apply(ctx, ds), "attach %s", att.Endpoint.Name)
}

// InstallSliceMeters creates one meter per slice for each link direction on
// every switch. Slices without a quota are skipped.
func (in *Installer) InstallSliceMeters(ctx context.Context, quotas []SliceQuota) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.booted {
		return ErrNotBootstrapped
	}

	var ds []Directive
	installed := make(map[uint8]uint64)
	for _, q := range quotas {
		if q.Kbps == 0 {
			continue
		}
		if _, ok := in.slices[q.SliceID]; ok {
			return errors.Errorf("slice %d already has a quota", q.SliceID)
		}
		installed[q.SliceID] = q.Kbps
		if len(in.ring.Links()) == 0 {
			continue
		}
		for sw := 0; sw < in.ring.Size(); sw++ {
			for _, dir := range []ident.LinkDirection{ident.LinkForward, ident.LinkBackward} {
				id, err := ident.MeterIdSlcCreate(q.SliceID, dir)
				if err != nil {
					return err
				}
				ds = append(ds, MeterDirective{
					Meta:          Meta{Switch: sw},
					Meter:         id,
					CommittedKbps: q.Kbps,
					PeakKbps:      q.Kbps,
				})
			}
		}
	}
	if err := in.drv.Apply(ctx, ds); err != nil {
		return errors.Wrap(err, "install slice meters")
	}
	for id, kbps := range installed {
		in.slices[id] = kbps
	}
	return nil
}

// InstallBearer programs both directions of a bearer along its current route.
func (in *Installer) InstallBearer(ctx context.Context, rule BearerRule) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.booted {
		return ErrNotBootstrapped
	}
	teid := rule.Route.Teid()
	if _, ok := in.bearers[teid]; ok {
		return errors.Wrapf(ErrBearerExists, "teid %s", teid)
	}

	meters, flows, err := in.plan(rule)
	if err != nil {
		return err
	}
	ds := make([]Directive, 0, len(meters)+len(flows))
	for _, m := range meters {
		ds = append(ds, m)
	}
	for _, f := range flows {
		ds = append(ds, f)
	}
	if err := in.drv.Apply(ctx, ds); err != nil {
		return errors.Wrapf(err, "install bearer %s", teid)
	}

	in.bearers[teid] = &bearerState{rule: rule, meters: meters}
	for _, f := range flows {
		in.flows[keyOf(f)] = f
	}
	in.log.WithField(logger.FieldTeid, teid.String()).Infof("installed %s, %d flows %d meters",
		rule.Route, len(flows), len(meters))
	return nil
}

// Reroute moves a bearer onto the path its route currently selects. Flows that
// stay the same are left alone.
func (in *Installer) Reroute(ctx context.Context, teid ident.Teid) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	st, ok := in.bearers[teid]
	if !ok {
		return errors.Wrapf(ErrBearerNotFound, "teid %s", teid)
	}

	_, flows, err := in.plan(st.rule)
	if err != nil {
		return err
	}
	old := make(map[installedKey]FlowDirective)
	for _, f := range in.match(bearerCookie(teid), ident.CookieMask(ident.CookieTeid)) {
		old[keyOf(f)] = f
	}

	var upserts, deletes []Directive
	next := make(map[installedKey]FlowDirective)
	for _, f := range flows {
		k := keyOf(f)
		next[k] = f
		prev, ok := old[k]
		switch {
		case !ok:
			upserts = append(upserts, f)
		case prev != f:
			f.Op = OpModify
			upserts = append(upserts, f)
		}
	}
	for _, f := range sortedFlows(old) {
		if _, ok := next[keyOf(f)]; !ok {
			f.Op = OpDelete
			deletes = append(deletes, f)
		}
	}
	if err := in.drv.Apply(ctx, append(upserts, deletes...)); err != nil {
		return errors.Wrapf(err, "reroute bearer %s", teid)
	}

	for k := range old {
		delete(in.flows, k)
	}
	for k, f := range next {
		in.flows[k] = f
	}
	in.log.WithField(logger.FieldTeid, teid.String()).Infof("rerouted %s, %d changed %d removed",
		st.rule.Route, len(upserts), len(deletes))
	return nil
}

// RemoveBearer deletes every flow tagged with teid and the bearer's meters.
func (in *Installer) RemoveBearer(ctx context.Context, teid ident.Teid) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	st, ok := in.bearers[teid]
	if !ok {
		return errors.Wrapf(ErrBearerNotFound, "teid %s", teid)
	}

	flows := in.match(bearerCookie(teid), ident.CookieMask(ident.CookieTeid))
	ds := make([]Directive, 0, len(flows)+len(st.meters))
	for _, f := range flows {
		f.Op = OpDelete
		ds = append(ds, f)
	}
	for _, m := range st.meters {
		m.Op = OpDelete
		ds = append(ds, m)
	}
	if err := in.drv.Apply(ctx, ds); err != nil {
		return errors.Wrapf(err, "remove bearer %s", teid)
	}

	for _, f := range flows {
		delete(in.flows, keyOf(f))
	}
	delete(in.bearers, teid)
	in.log.WithField(logger.FieldTeid, teid.String()).Infof("removed %d flows %d meters", len(flows), len(st.meters))
	return nil
}

// Flows returns the installed flows whose cookie matches want under mask.
func (in *Installer) Flows(want ident.Cookie, mask uint64) []FlowDirective {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.match(want, mask)
}

func (in *Installer) Bearers() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.bearers)
}

func (in *Installer) match(want ident.Cookie, mask uint64) []FlowDirective {
	hit := make(map[installedKey]FlowDirective)
	for k, f := range in.flows {
		if f.Cookie.Matches(want, mask) {
			hit[k] = f
		}
	}
	return sortedFlows(hit)
}

func (in *Installer) plan(rule BearerRule) ([]MeterDirective, []FlowDirective, error) {
	route := rule.Route
	teid := route.Teid()
	if route.Src() != rule.Gateway.Switch || route.Dst() != rule.Enb.Switch {
		return nil, nil, errors.Errorf("route %d->%d does not join gateway sw%d and enb sw%d",
			route.Src(), route.Dst(), rule.Gateway.Switch, rule.Enb.Switch)
	}

	var meters []MeterDirective
	var dlMeter, ulMeter ident.MeterId
	if rule.QoS.constrained(false) {
		m, err := mbrMeter(route.Src(), ident.IfaceS5, teid, rule.QoS.GbrDlKbps, rule.QoS.MbrDlKbps)
		if err != nil {
			return nil, nil, err
		}
		meters = append(meters, m)
		dlMeter = m.Meter
	}
	if rule.QoS.constrained(true) {
		m, err := mbrMeter(route.Dst(), ident.IfaceS1U, teid, rule.QoS.GbrUlKbps, rule.QoS.MbrUlKbps)
		if err != nil {
			return nil, nil, err
		}
		meters = append(meters, m)
		ulMeter = m.Meter
	}

	hops := route.Switches()
	down, err := in.pathFlows(teid, hops, route.DownlinkPath(), ident.IfaceS5, rule.Enb, dlMeter)
	if err != nil {
		return nil, nil, err
	}
	up, err := in.pathFlows(teid, reversed(hops), route.UplinkPath(), ident.IfaceS1U, rule.Gateway, ulMeter)
	if err != nil {
		return nil, nil, err
	}
	return meters, append(down, up...), nil
}

// pathFlows steers traffic for dst along hops. Every hop but the last outputs
// through the ring group of path; the last delivers to the local port. The
// first hop is policed by the bearer meter when there is one, transit hops
// otherwise by the slice meter of the link direction.
func (in *Installer) pathFlows(teid ident.Teid, hops []int, path routing.Path, iface ident.Iface,
	dst *ring.Attachment, bearerMeter ident.MeterId,
) ([]FlowDirective, error) {
	group := groupOf(path)
	quota := in.slices[teid.SliceID()] > 0

	flows := make([]FlowDirective, 0, len(hops))
	for i, sw := range hops {
		last := i == len(hops)-1
		prio := PriorityTransit
		if last {
			prio = PriorityLocal
		}
		cookie, err := ident.CookieCreate(iface, prio, teid)
		if err != nil {
			return nil, err
		}
		f := FlowDirective{
			Meta:     Meta{Switch: sw},
			Cookie:   cookie,
			Teid:     teid,
			TeidMask: fullTeidMask,
			Dst:      dst.Addr,
		}
		if last {
			f.Port = dst.Port
		} else {
			f.Group = group
			if quota {
				f.Meter, err = ident.MeterIdSlcCreate(teid.SliceID(), group.LinkDirection())
				if err != nil {
					return nil, err
				}
			}
		}
		if i == 0 && bearerMeter.Kind() != 0 {
			f.Meter = bearerMeter
		}
		flows = append(flows, f)
	}
	return flows, nil
}

func mbrMeter(sw int, iface ident.Iface, teid ident.Teid, gbr, mbr uint64) (MeterDirective, error) {
	id, err := ident.MeterIdMbrCreate(iface, teid)
	if err != nil {
		return MeterDirective{}, err
	}
	if mbr < gbr {
		mbr = gbr
	}
	return MeterDirective{
		Meta:          Meta{Switch: sw},
		Meter:         id,
		CommittedKbps: gbr,
		PeakKbps:      mbr,
	}, nil
}

func groupOf(p routing.Path) RingGroup {
	switch p {
	case routing.Clockwise:
		return GroupClockwise
	case routing.CounterClockwise:
		return GroupCounterClockwise
	}
	return 0
}

// bearerCookie matches every flow of teid under CookieMask(CookieTeid).
func bearerCookie(teid ident.Teid) ident.Cookie {
	c, _ := ident.CookieCreate(0, 0, teid)
	return c
}

func keyOf(f FlowDirective) installedKey {
	return installedKey{sw: f.Switch, cookie: f.Cookie, dst: f.Dst}
}

func sortedFlows(m map[installedKey]FlowDirective) []FlowDirective {
	out := make([]FlowDirective, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Switch != out[j].Switch {
			return out[i].Switch < out[j].Switch
		}
		if out[i].Cookie != out[j].Cookie {
			return out[i].Cookie.Uint64() < out[j].Cookie.Uint64()
		}
		return out[i].Dst.Less(out[j].Dst)
	})
	return out
}

func reversed(s []int) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

func nonNil(ports []uint32) []uint32 {
	if ports == nil {
		return []uint32{}
	}
	return ports
}
