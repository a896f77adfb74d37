package services

import (
	"errors"

	"github.com/fyrsmithlabs/corpusd/internal/corpus"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/orchestrator"
	"github.com/fyrsmithlabs/corpusd/internal/query"
	"github.com/fyrsmithlabs/corpusd/internal/reaper"
	"github.com/fyrsmithlabs/corpusd/internal/runner"
	"github.com/fyrsmithlabs/corpusd/internal/sourcestore"
)

// Registry provides access to all corpusd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Repository() corpus.Repository
	Sources() sourcestore.Store
	Runners() *runner.Registry
	Ingest() *ingest.Service
	Orchestrator() *orchestrator.Orchestrator
	Query() *query.Service
	Reaper() *reaper.Reaper
	// Close releases every resource opened for the services.
	Close() error
}

// Options configures the registry with service instances.
type Options struct {
	Repository   corpus.Repository
	Sources      sourcestore.Store
	Runners      *runner.Registry
	Ingest       *ingest.Service
	Orchestrator *orchestrator.Orchestrator
	Query        *query.Service
	Reaper       *reaper.Reaper
	// Closers run in reverse order on Close.
	Closers []func() error
}

type registry struct {
	repository   corpus.Repository
	sources      sourcestore.Store
	runners      *runner.Registry
	ingest       *ingest.Service
	orchestrator *orchestrator.Orchestrator
	query        *query.Service
	reaper       *reaper.Reaper
	closers      []func() error
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		repository:   opts.Repository,
		sources:      opts.Sources,
		runners:      opts.Runners,
		ingest:       opts.Ingest,
		orchestrator: opts.Orchestrator,
		query:        opts.Query,
		reaper:       opts.Reaper,
		closers:      opts.Closers,
	}
}

func (r *registry) Repository() corpus.Repository            { return r.repository }
func (r *registry) Sources() sourcestore.Store               { return r.sources }
func (r *registry) Runners() *runner.Registry                { return r.runners }
func (r *registry) Ingest() *ingest.Service                  { return r.ingest }
func (r *registry) Orchestrator() *orchestrator.Orchestrator { return r.orchestrator }
func (r *registry) Query() *query.Service                    { return r.query }
func (r *registry) Reaper() *reaper.Reaper                   { return r.reaper }

func (r *registry) Close() error {
	return closeAll(r.closers)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
