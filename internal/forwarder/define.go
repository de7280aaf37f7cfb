package forwarder

// Names the ring pipeline exposes in its P4Info.
const (
	// tunnel_flows picks the egress for a tunnel by TEID and outer destination.
	// It is backed by EgressSelector_ProfileName, so entries point at members
	// (local ports) or groups (ring directions).
	Flow_TableName    string = "RingPipe.tunnel_flows"
	Flow_FieldTeid    string = "teid"
	Flow_FieldDst     string = "tunnel_dst"
	Egress_ActionName string = "RingPipe.set_egress"
	Egress_ParamPort  string = "port"

	EgressSelector_ProfileName string = "RingPipe.egress_selector"

	// flow_meters binds a tunnel flow to a cell of Tunnel_MeterName.
	FlowMeter_TableName  string = "RingPipe.flow_meters"
	FlowMeter_ActionName string = "RingPipe.apply_meter"
	FlowMeter_ParamIndex string = "meter_idx"
	Tunnel_MeterName     string = "RingPipe.tunnel_meter"

	// Broadcast traffic is replicated through a single multicast group.
	Flood_MulticastGroupID uint32 = 1
)
