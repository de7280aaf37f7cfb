package routing

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/free5gc/go-backhaul/internal/ident"
	"github.com/free5gc/go-backhaul/internal/logger"
)

var (
	ErrRouteExists   = errors.New("route already exists")
	ErrRouteNotFound = errors.New("route not found")
)

// Table holds the routes of every admitted bearer.
type Table struct {
	mu     sync.RWMutex
	routes map[ident.Teid]*Route
	log    *logrus.Entry
}

func NewTable() *Table {
	return &Table{
		routes: make(map[ident.Teid]*Route),
		log:    logger.RouteLog,
	}
}

func (t *Table) Add(r *Route) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.routes[r.teid]; ok {
		return errors.Wrapf(ErrRouteExists, "teid %s", r.teid)
	}
	t.routes[r.teid] = r
	t.log.WithField(logger.FieldTeid, r.teid.String()).Debugf("add %s", r)
	return nil
}

func (t *Table) Get(teid ident.Teid) (*Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[teid]
	if !ok {
		return nil, errors.Wrapf(ErrRouteNotFound, "teid %s", teid)
	}
	return r, nil
}

func (t *Table) Remove(teid ident.Teid) (*Route, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.routes[teid]
	if !ok {
		return nil, errors.Wrapf(ErrRouteNotFound, "teid %s", teid)
	}
	delete(t.routes, teid)
	t.log.WithField(logger.FieldTeid, teid.String()).Debugf("remove %s", r)
	return r, nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Routes returns every route ordered by TEID.
func (t *Table) Routes() []*Route {
	t.mu.RLock()
	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].teid.Uint32() < out[j].teid.Uint32()
	})
	return out
}
