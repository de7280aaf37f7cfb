package backhaul

import (
	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/ident"
)

const maxBearerID = 0xF

var (
	ErrBearerIDInUse = errors.New("bearer id already in use")
	ErrNoBearerID    = errors.New("no free bearer id")
)

type ueKey struct {
	slice uint8
	imsi  uint32
}

// ue tracks the bearer ids in use by one subscriber of one slice.
type ue struct {
	key ueKey
	ids map[uint8]struct{}
}

func newUe(key ueKey) *ue {
	return &ue{key: key, ids: make(map[uint8]struct{})}
}

// take reserves id, or the lowest free id when id is 0.
func (u *ue) take(id uint8) (uint8, error) {
	if id == 0 {
		for id = 1; id <= maxBearerID; id++ {
			if _, ok := u.ids[id]; !ok {
				break
			}
		}
		if id > maxBearerID {
			return 0, errors.Wrapf(ErrNoBearerID, "slice %d imsi %d", u.key.slice, u.key.imsi)
		}
	} else if _, ok := u.ids[id]; ok {
		return 0, errors.Wrapf(ErrBearerIDInUse, "slice %d imsi %d bearer %d", u.key.slice, u.key.imsi, id)
	}
	u.ids[id] = struct{}{}
	return id, nil
}

func (u *ue) release(id uint8) {
	delete(u.ids, id)
}

func (u *ue) teids() ([]ident.Teid, error) {
	out := make([]ident.Teid, 0, len(u.ids))
	for id := uint8(0); id <= maxBearerID; id++ {
		if _, ok := u.ids[id]; !ok {
			continue
		}
		teid, err := ident.TeidCreate(u.key.slice, u.key.imsi, id)
		if err != nil {
			return nil, err
		}
		out = append(out, teid)
	}
	return out, nil
}
