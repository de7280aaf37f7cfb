package backhaul

import (
	"github.com/pkg/errors"
	"github.com/wmnsk/go-pfcp/ie"

	"github.com/free5gc/go-backhaul/internal/forwarder"
)

// QoSFromCreateQER reads the bit rates of a PFCP Create QER. MBR and GBR are
// both optional; an absent one leaves its rates at zero.
func QoSFromCreateQER(req *ie.IE) (forwarder.QoS, error) {
	var q forwarder.QoS
	if req == nil || req.Type != ie.CreateQER {
		return q, errors.New("not a Create QER IE")
	}
	id, err := req.QERID()
	if err != nil {
		return q, errors.Wrap(err, "create qer")
	}

	for _, x := range req.ChildIEs {
		switch x.Type {
		case ie.MBR:
			if q.MbrUlKbps, err = x.MBRUL(); err != nil {
				return q, errors.Wrapf(err, "qer %d mbr", id)
			}
			if q.MbrDlKbps, err = x.MBRDL(); err != nil {
				return q, errors.Wrapf(err, "qer %d mbr", id)
			}
		case ie.GBR:
			if q.GbrUlKbps, err = x.GBRUL(); err != nil {
				return q, errors.Wrapf(err, "qer %d gbr", id)
			}
			if q.GbrDlKbps, err = x.GBRDL(); err != nil {
				return q, errors.Wrapf(err, "qer %d gbr", id)
			}
		}
	}
	return q, nil
}
