package factory

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/logger"
)

const (
	BackhaulDefaultConfigPath = "./config/backhaulcfg.yaml"
	BackhaulExpectedVersion   = "1.0.0"

	DriverMemory = "memory"
	DriverP4rt   = "p4runtime"

	KindGateway = "gateway"
	KindEnb     = "enb"
)

type Config struct {
	Version     string      `yaml:"version"     valid:"required,in(1.0.0)"`
	Description string      `yaml:"description" valid:"optional"`
	Ring        *Ring       `yaml:"ring"        valid:"required"`
	Addressing  *Addressing `yaml:"addressing"  valid:"required"`
	Forwarder   *Forwarder  `yaml:"forwarder"   valid:"required"`
	Slices      []Slice     `yaml:"slices"      valid:"optional"`
	Endpoints   []Endpoint  `yaml:"endpoints"   valid:"required"`
	Bearers     []Bearer    `yaml:"bearers"     valid:"optional"`
	Logger      *Logger     `yaml:"logger"      valid:"required"`
}

type Ring struct {
	Switches    int           `yaml:"switches"    valid:"required"`
	LinkRate    uint64        `yaml:"linkRate"    valid:"optional"` // bit/s
	LinkDelay   time.Duration `yaml:"linkDelay"   valid:"optional"`
	NoFloodLink *int          `yaml:"noFloodLink" valid:"optional"`
}

type Addressing struct {
	AnchorSubnet string `yaml:"anchorSubnet" valid:"required,cidr"`
	NodeSupernet string `yaml:"nodeSupernet" valid:"required,cidr"`
}

type Forwarder struct {
	Driver         string   `yaml:"driver"         valid:"required,in(memory|p4runtime)"`
	P4Info         string   `yaml:"p4info"         valid:"optional"`
	PipelineConfig string   `yaml:"pipelineConfig" valid:"optional"`
	ElectionID     uint64   `yaml:"electionId"     valid:"optional"`
	Targets        []Target `yaml:"targets"        valid:"optional"`
}

// Target is the P4Runtime server that programs one ring switch.
type Target struct {
	Switch   int    `yaml:"switch"   valid:"optional"`
	Addr     string `yaml:"addr"     valid:"required,dialstring"`
	DeviceID uint64 `yaml:"deviceId" valid:"optional"`
}

type Slice struct {
	ID    uint8  `yaml:"id"    valid:"optional"`
	Quota uint64 `yaml:"quota" valid:"optional"` // kbit/s
}

type Endpoint struct {
	Name   string `yaml:"name"   valid:"required"`
	Kind   string `yaml:"kind"   valid:"required,in(gateway|enb)"`
	Switch *int   `yaml:"switch" valid:"optional"`
}

// Bearer is a bearer admitted at startup.
type Bearer struct {
	Slice    uint8  `yaml:"slice"    valid:"optional"`
	Imsi     uint32 `yaml:"imsi"     valid:"required"`
	BearerID uint8  `yaml:"bearerId" valid:"optional"`
	Gateway  string `yaml:"gateway"  valid:"required"`
	Enb      string `yaml:"enb"      valid:"required"`
	Qos      *Qos   `yaml:"qos"      valid:"optional"`
	Inverted bool   `yaml:"inverted" valid:"optional"`
}

// Qos rates are in kbit/s.
type Qos struct {
	MbrUl uint64 `yaml:"mbrUl" valid:"optional"`
	MbrDl uint64 `yaml:"mbrDl" valid:"optional"`
	GbrUl uint64 `yaml:"gbrUl" valid:"optional"`
	GbrDl uint64 `yaml:"gbrDl" valid:"optional"`
}

type Logger struct {
	Enable       bool   `yaml:"enable"       valid:"optional"`
	Level        string `yaml:"level"        valid:"required,in(trace|debug|info|warn|error|fatal|panic)"`
	ReportCaller bool   `yaml:"reportCaller" valid:"optional"`
}

func (c *Config) GetVersion() string {
	return c.Version
}

// Validate runs the struct tag checks and then the cross field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return errors.Wrap(err, "config")
	}

	n := c.Ring.Switches
	if n < 1 {
		return errors.Errorf("ring: need at least one switch, got %d", n)
	}
	if l := c.Ring.NoFloodLink; l != nil && (*l < 0 || *l >= n || n == 1) {
		return errors.Errorf("ring: no-flood link %d not in ring of %d switches", *l, n)
	}

	anchor, _ := netip.ParsePrefix(c.Addressing.AnchorSubnet)
	nodes, _ := netip.ParsePrefix(c.Addressing.NodeSupernet)
	if !anchor.Addr().Is4() || !nodes.Addr().Is4() {
		return errors.Errorf("addressing: only IPv4 subnets are supported")
	}
	if anchor.Overlaps(nodes) {
		return errors.Errorf("addressing: %s overlaps %s", anchor, nodes)
	}

	if err := c.Forwarder.validate(n); err != nil {
		return err
	}

	seen := make(map[uint8]struct{})
	for _, s := range c.Slices {
		if s.ID > 0x0F {
			return errors.Errorf("slices: id %d does not fit in 4 bits", s.ID)
		}
		if _, ok := seen[s.ID]; ok {
			return errors.Errorf("slices: id %d listed twice", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	kinds := make(map[string]string)
	for i, ep := range c.Endpoints {
		if _, ok := kinds[ep.Name]; ok {
			return errors.Errorf("endpoints: %q listed twice", ep.Name)
		}
		kinds[ep.Name] = ep.Kind
		if i == 0 && ep.Kind != KindGateway {
			return errors.Errorf("endpoints: the first endpoint anchors the ring and must be a gateway")
		}
		if ep.Switch != nil && (*ep.Switch < 0 || *ep.Switch >= n) {
			return errors.Errorf("endpoints: %q on switch %d not in ring of %d", ep.Name, *ep.Switch, n)
		}
	}

	for i, b := range c.Bearers {
		if kinds[b.Gateway] != KindGateway {
			return errors.Errorf("bearers[%d]: %q is not a gateway endpoint", i, b.Gateway)
		}
		if kinds[b.Enb] != KindEnb {
			return errors.Errorf("bearers[%d]: %q is not an enb endpoint", i, b.Enb)
		}
	}
	return nil
}

func (f *Forwarder) validate(switches int) error {
	if f.Driver != DriverP4rt {
		return nil
	}
	if f.P4Info == "" {
		return errors.Errorf("forwarder: p4runtime needs a p4info file")
	}
	targets := make(map[int]struct{})
	for _, t := range f.Targets {
		if t.Switch < 0 || t.Switch >= switches {
			return errors.Errorf("forwarder: target for switch %d not in ring of %d", t.Switch, switches)
		}
		if _, ok := targets[t.Switch]; ok {
			return errors.Errorf("forwarder: switch %d has two targets", t.Switch)
		}
		targets[t.Switch] = struct{}{}
	}
	if len(targets) != switches {
		return errors.Errorf("forwarder: %d targets for %d switches", len(targets), switches)
	}
	return nil
}

func (c *Config) Print() {
	spew.Config.Indent = "\t"
	str := spew.Sdump(c)
	logger.CfgLog.Infof("==================================================")
	logger.CfgLog.Infof("%s", str)
	logger.CfgLog.Infof("==================================================")
}

func (b Bearer) String() string {
	return fmt.Sprintf("slice %d imsi %d bearer %d %s->%s", b.Slice, b.Imsi, b.BearerID, b.Gateway, b.Enb)
}
