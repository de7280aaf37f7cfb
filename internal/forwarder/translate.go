package forwarder

import (
	"os"

	p4config "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
)

// LoadP4Info reads a P4Info in protobuf text format.
func LoadP4Info(path string) (*p4config.P4Info, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read p4info")
	}
	info := &p4config.P4Info{}
	if err := prototext.Unmarshal(raw, info); err != nil {
		return nil, errors.Wrapf(err, "decode p4info %s", path)
	}
	return info, nil
}

// Operator builds entries for one table of the pipeline.
type Operator struct {
	table  *p4config.Table
	p4info *p4config.P4Info
}

func NewOperator(tableName string, p4info *p4config.P4Info) (*Operator, error) {
	for _, item := range p4info.GetTables() {
		if item.GetPreamble().GetName() == tableName {
			return &Operator{table: item, p4info: p4info}, nil
		}
	}
	return nil, errors.Errorf("table %q not in p4info", tableName)
}

func (opt *Operator) field(name string) (*p4config.MatchField, error) {
	for _, f := range opt.table.GetMatchFields() {
		if f.GetName() == name {
			return f, nil
		}
	}
	return nil, errors.Errorf("table %s has no match field %q", opt.table.GetPreamble().GetName(), name)
}

func (opt *Operator) exact(name string, value []byte) (*p4.FieldMatch, error) {
	f, err := opt.field(name)
	if err != nil {
		return nil, err
	}
	if f.GetMatchType() != p4config.MatchField_EXACT {
		return nil, errors.Errorf("match field %q is %s, not exact", name, f.GetMatchType())
	}
	return &p4.FieldMatch{
		FieldId: f.GetId(),
		FieldMatchType: &p4.FieldMatch_Exact_{
			Exact: &p4.FieldMatch_Exact{Value: value},
		},
	}, nil
}

// ternary returns nil for a zero mask: a don't care field is left out of the
// entry altogether.
func (opt *Operator) ternary(name string, value, mask uint64) (*p4.FieldMatch, error) {
	f, err := opt.field(name)
	if err != nil {
		return nil, err
	}
	if f.GetMatchType() != p4config.MatchField_TERNARY {
		return nil, errors.Errorf("match field %q is %s, not ternary", name, f.GetMatchType())
	}
	if mask == 0 {
		return nil, nil
	}
	v, err := encodeUint(value&mask, f.GetBitwidth())
	if err != nil {
		return nil, errors.Wrapf(err, "match field %q", name)
	}
	m, err := encodeUint(mask, f.GetBitwidth())
	if err != nil {
		return nil, errors.Wrapf(err, "match field %q", name)
	}
	return &p4.FieldMatch{
		FieldId: f.GetId(),
		FieldMatchType: &p4.FieldMatch_Ternary_{
			Ternary: &p4.FieldMatch_Ternary{Value: v, Mask: m},
		},
	}, nil
}

func (opt *Operator) EntryBuilder(matches []*p4.FieldMatch, action *p4.TableAction, priority int32) *p4.TableEntry {
	var fields []*p4.FieldMatch
	for _, m := range matches {
		if m != nil {
			fields = append(fields, m)
		}
	}
	return &p4.TableEntry{
		TableId:  opt.table.GetPreamble().GetId(),
		Match:    fields,
		Action:   action,
		Priority: priority,
	}
}

// Translator renders directives into P4Runtime entities of the ring pipeline.
// It holds no switch state; meter cells are chosen by the caller.
type Translator struct {
	p4info    *p4config.P4Info
	flows     *Operator
	flowMeter *Operator
	egress    *p4config.Action
	apply     *p4config.Action
	profile   *p4config.ActionProfile
	meter     *p4config.Meter
}

func NewTranslator(p4info *p4config.P4Info) (*Translator, error) {
	t := &Translator{p4info: p4info}
	var err error
	if t.flows, err = NewOperator(Flow_TableName, p4info); err != nil {
		return nil, err
	}
	if t.flowMeter, err = NewOperator(FlowMeter_TableName, p4info); err != nil {
		return nil, err
	}
	if t.egress, err = t.action(Egress_ActionName); err != nil {
		return nil, err
	}
	if t.apply, err = t.action(FlowMeter_ActionName); err != nil {
		return nil, err
	}
	for _, item := range p4info.GetActionProfiles() {
		if item.GetPreamble().GetName() == EgressSelector_ProfileName {
			t.profile = item
		}
	}
	if t.profile == nil {
		return nil, errors.Errorf("action profile %q not in p4info", EgressSelector_ProfileName)
	}
	for _, item := range p4info.GetMeters() {
		if item.GetPreamble().GetName() == Tunnel_MeterName {
			t.meter = item
		}
	}
	if t.meter == nil {
		return nil, errors.Errorf("meter %q not in p4info", Tunnel_MeterName)
	}
	return t, nil
}

func (t *Translator) action(name string) (*p4config.Action, error) {
	for _, item := range t.p4info.GetActions() {
		if item.GetPreamble().GetName() == name {
			return item, nil
		}
	}
	return nil, errors.Errorf("action %q not in p4info", name)
}

// buildAction fills params in declaration order, each value sized to the
// declared bitwidth.
func buildAction(action *p4config.Action, values map[string]uint64) (*p4.Action, error) {
	if len(values) != len(action.GetParams()) {
		return nil, errors.Errorf("action %s takes %d params, got %d",
			action.GetPreamble().GetName(), len(action.GetParams()), len(values))
	}
	out := &p4.Action{ActionId: action.GetPreamble().GetId()}
	for _, p := range action.GetParams() {
		v, ok := values[p.GetName()]
		if !ok {
			return nil, errors.Errorf("action %s: missing param %q", action.GetPreamble().GetName(), p.GetName())
		}
		b, err := encodeUint(v, p.GetBitwidth())
		if err != nil {
			return nil, errors.Wrapf(err, "action %s param %q", action.GetPreamble().GetName(), p.GetName())
		}
		out.Params = append(out.Params, &p4.Action_Param{ParamId: p.GetId(), Value: b})
	}
	return out, nil
}

// MeterSize is the number of meter cells the pipeline has.
func (t *Translator) MeterSize() int64 {
	return t.meter.GetSize()
}

// Member is the egress selector member for port. Members are keyed by port
// number, so a ring port and its group share the same member.
func (t *Translator) Member(port uint32) (*p4.ActionProfileMember, error) {
	action, err := buildAction(t.egress, map[string]uint64{Egress_ParamPort: uint64(port)})
	if err != nil {
		return nil, err
	}
	return &p4.ActionProfileMember{
		ActionProfileId: t.profile.GetPreamble().GetId(),
		MemberId:        port,
		Action:          action,
	}, nil
}

// Group renders a ring group as a one member action profile group.
func (t *Translator) Group(d GroupDirective) (*p4.ActionProfileMember, *p4.ActionProfileGroup, error) {
	member, err := t.Member(d.Port)
	if err != nil {
		return nil, nil, err
	}
	group := &p4.ActionProfileGroup{
		ActionProfileId: t.profile.GetPreamble().GetId(),
		GroupId:         uint32(d.Group),
		Members: []*p4.ActionProfileGroup_Member{{
			MemberId: member.GetMemberId(),
			Weight:   1,
		}},
	}
	return member, group, nil
}

func (t *Translator) Flood(d FloodDirective) *p4.PacketReplicationEngineEntry {
	replicas := make([]*p4.Replica, 0, len(d.Ports))
	for _, port := range d.Ports {
		replicas = append(replicas, &p4.Replica{PortKind: &p4.Replica_EgressPort{EgressPort: port}, Instance: 0})
	}
	return &p4.PacketReplicationEngineEntry{
		Type: &p4.PacketReplicationEngineEntry_MulticastGroupEntry{
			MulticastGroupEntry: &p4.MulticastGroupEntry{
				MulticastGroupId: Flood_MulticastGroupID,
				Replicas:         replicas,
			},
		},
	}
}

func (t *Translator) flowMatch(opt *Operator, d FlowDirective) ([]*p4.FieldMatch, error) {
	teid, err := opt.ternary(Flow_FieldTeid, uint64(d.Teid.Uint32()), uint64(d.TeidMask))
	if err != nil {
		return nil, err
	}
	addr, err := encodeIPv4(d.Dst)
	if err != nil {
		return nil, err
	}
	dst, err := opt.exact(Flow_FieldDst, addr)
	if err != nil {
		return nil, err
	}
	return []*p4.FieldMatch{teid, dst}, nil
}

// Flow renders the tunnel_flows entry of d. The cookie travels as controller
// metadata so entries read back from a switch can be matched to bearers.
func (t *Translator) Flow(d FlowDirective) (*p4.TableEntry, error) {
	if d.Priority() == 0 {
		return nil, errors.Errorf("flow %s has no priority", d.Cookie)
	}
	matches, err := t.flowMatch(t.flows, d)
	if err != nil {
		return nil, err
	}
	action := &p4.TableAction{
		Type: &p4.TableAction_ActionProfileMemberId{ActionProfileMemberId: d.Port},
	}
	if d.Group != 0 {
		action = &p4.TableAction{
			Type: &p4.TableAction_ActionProfileGroupId{ActionProfileGroupId: uint32(d.Group)},
		}
	}
	entry := t.flows.EntryBuilder(matches, action, int32(d.Priority()))
	entry.ControllerMetadata = d.Cookie.Uint64()
	return entry, nil
}

// FlowMeter renders the flow_meters entry sending d's traffic through cell.
func (t *Translator) FlowMeter(d FlowDirective, cell int64) (*p4.TableEntry, error) {
	matches, err := t.flowMatch(t.flowMeter, d)
	if err != nil {
		return nil, err
	}
	apply, err := buildAction(t.apply, map[string]uint64{FlowMeter_ParamIndex: uint64(cell)})
	if err != nil {
		return nil, err
	}
	action := &p4.TableAction{Type: &p4.TableAction_Action{Action: apply}}
	entry := t.flowMeter.EntryBuilder(matches, action, int32(d.Priority()))
	entry.ControllerMetadata = d.Cookie.Uint64()
	return entry, nil
}

// Meter renders the cell configuration of d. Indirect meter cells always
// exist, so deleting one resets it to the pipeline default with a nil config.
func (t *Translator) Meter(d MeterDirective, cell int64) *p4.MeterEntry {
	entry := &p4.MeterEntry{
		MeterId: t.meter.GetPreamble().GetId(),
		Index:   &p4.Index{Index: cell},
	}
	if d.Op != OpDelete {
		cir := kbpsToBytes(d.CommittedKbps)
		pir := kbpsToBytes(d.PeakKbps)
		entry.Config = &p4.MeterConfig{
			Cir:    cir,
			Cburst: burstOf(cir),
			Pir:    pir,
			Pburst: burstOf(pir),
		}
	}
	return entry
}

func updateType(op Op) p4.Update_Type {
	switch op {
	case OpModify:
		return p4.Update_MODIFY
	case OpDelete:
		return p4.Update_DELETE
	}
	return p4.Update_INSERT
}

func tableUpdate(op Op, entry *p4.TableEntry) *p4.Update {
	return &p4.Update{
		Type:   updateType(op),
		Entity: &p4.Entity{Entity: &p4.Entity_TableEntry{TableEntry: entry}},
	}
}

func memberUpdate(op Op, member *p4.ActionProfileMember) *p4.Update {
	return &p4.Update{
		Type:   updateType(op),
		Entity: &p4.Entity{Entity: &p4.Entity_ActionProfileMember{ActionProfileMember: member}},
	}
}

func groupUpdate(op Op, group *p4.ActionProfileGroup) *p4.Update {
	return &p4.Update{
		Type:   updateType(op),
		Entity: &p4.Entity{Entity: &p4.Entity_ActionProfileGroup{ActionProfileGroup: group}},
	}
}

func replicationUpdate(op Op, entry *p4.PacketReplicationEngineEntry) *p4.Update {
	return &p4.Update{
		Type:   updateType(op),
		Entity: &p4.Entity{Entity: &p4.Entity_PacketReplicationEngineEntry{PacketReplicationEngineEntry: entry}},
	}
}

// meterUpdate is always a modify: cells cannot be inserted or deleted.
func meterUpdate(entry *p4.MeterEntry) *p4.Update {
	return &p4.Update{
		Type:   p4.Update_MODIFY,
		Entity: &p4.Entity{Entity: &p4.Entity_MeterEntry{MeterEntry: entry}},
	}
}
