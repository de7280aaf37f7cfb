package forwarder

import (
	"context"

	"github.com/pkg/errors"

	"github.com/free5gc/go-backhaul/internal/logger"
	"github.com/free5gc/go-backhaul/pkg/factory"
)

// Driver pushes directives to switches. Apply stops at the first directive
// that fails; earlier ones stay applied.
type Driver interface {
	Apply(ctx context.Context, ds []Directive) error
	Close() error
}

func NewDriver(ctx context.Context, cfg *factory.Forwarder) (Driver, error) {
	if cfg == nil {
		return nil, errors.Errorf("no forwarder config")
	}

	logger.MainLog.Infof("starting forwarder [%s]", cfg.Driver)
	switch cfg.Driver {
	case factory.DriverMemory:
		return NewMemoryDriver(), nil
	case factory.DriverP4rt:
		driver, err := OpenP4rt(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "open p4runtime")
		}
		return driver, nil
	}
	return nil, errors.Errorf("not support forwarder:%q", cfg.Driver)
}
