// Package mapper assigns local tuner channel names to stations that have
// none yet.
package mapper

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	tvlog "github.com/voyagen/tvguide/internal/log"
	"github.com/voyagen/tvguide/internal/models"
	"github.com/voyagen/tvguide/internal/store"
)

// ErrStop is returned by a Resolver to end the mapping session. Choices made
// before it are kept.
var ErrStop = errors.New("mapping stopped")

// Resolver picks the tuner name for a channel. An empty name leaves the
// channel unmapped.
type Resolver interface {
	Resolve(ctx context.Context, ch models.Channel, candidates []string) (string, error)
}

// Result counts what a mapping session did.
type Result struct {
	Exact    int
	Resolved int
	Skipped  int
	Stopped  bool
}

// Mapper walks the unmapped channels of a catalog.
type Mapper struct {
	catalog  store.Catalog
	resolver Resolver
	names    []string
	logger   zerolog.Logger
}

// New returns a Mapper choosing among the given tuner names.
func New(catalog store.Catalog, resolver Resolver, names []string) *Mapper {
	return &Mapper{
		catalog:  catalog,
		resolver: resolver,
		names:    names,
		logger:   tvlog.WithComponent("mapper"),
	}
}

// Run maps every unmapped channel. Exact name matches are applied without
// asking the resolver.
func (m *Mapper) Run(ctx context.Context) (Result, error) {
	var res Result
	unmapped := false
	channels, err := m.catalog.ListChannels(ctx, store.ChannelFilter{Mapped: &unmapped})
	if err != nil {
		return res, fmt.Errorf("list unmapped channels: %w", err)
	}

	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		candidates, exact := Candidates(m.names, ch.Name)
		name := ""
		if exact {
			name = candidates[0]
			res.Exact++
		} else {
			name, err = m.resolver.Resolve(ctx, ch, candidates)
			if errors.Is(err, ErrStop) {
				res.Stopped = true
				return res, nil
			}
			if err != nil {
				return res, fmt.Errorf("resolve %s: %w", ch.StationID, err)
			}
			if name == "" {
				res.Skipped++
				continue
			}
			res.Resolved++
		}

		if err := m.catalog.SetChannelMapping(ctx, ch.StationID, name); err != nil {
			return res, fmt.Errorf("map %s: %w", ch.StationID, err)
		}
		m.logger.Info().
			Str(tvlog.FieldEvent, "channel.mapped").
			Str(tvlog.FieldStation, ch.StationID).
			Str("name", ch.Name).
			Str("dvb_name", name).
			Bool("exact", exact).
			Msg("mapped channel")
	}
	return res, nil
}
