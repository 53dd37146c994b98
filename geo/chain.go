package geo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Chain tries providers in order and returns the first usable answer.
type Chain struct {
	providers []Provider
	logger    *zap.SugaredLogger
}

func NewChain(logger *zap.SugaredLogger, providers ...Provider) *Chain {
	return &Chain{providers: providers, logger: logger}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Lookup(ctx context.Context, ip string) (*Location, error) {
	var errs []error
	for _, p := range c.providers {
		loc, err := p.Lookup(ctx, ip)
		if err == nil && loc != nil && loc.Country != "" {
			return loc, nil
		}
		if err == nil {
			err = errors.New("empty result")
		}
		c.logger.Debugw("Geo provider failed", "provider", p.Name(), "ip", ip, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}
