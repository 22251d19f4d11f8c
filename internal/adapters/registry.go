package adapters

import (
	"fmt"
	"time"

	"github.com/rebridge/jobcrawler/internal/crawler"
)

// Constructor builds an adapter from shared options.
type Constructor func(Options) crawler.Adapter

// Registry maps sources to adapter constructors and hands out a fresh adapter
// per crawl.
type Registry struct {
	opts         Options
	delays       map[crawler.Source]time.Duration
	constructors map[crawler.Source]Constructor
}

// NewRegistry registers the four boards. delays overrides Options.Delay per
// source.
func NewRegistry(opts Options, delays map[crawler.Source]time.Duration) *Registry {
	r := &Registry{
		opts:         opts,
		delays:       delays,
		constructors: make(map[crawler.Source]Constructor),
	}
	r.Register(crawler.SourceWorkTogether, func(o Options) crawler.Adapter { return NewWorkTogether(o) })
	r.Register(crawler.SourceSaramin, func(o Options) crawler.Adapter { return NewSaramin(o) })
	r.Register(crawler.SourceWork24, func(o Options) crawler.Adapter { return NewWork24(o) })
	r.Register(crawler.SourceJobKorea, func(o Options) crawler.Adapter { return NewJobKorea(o) })
	return r
}

// Register installs or replaces the constructor for a source.
func (r *Registry) Register(source crawler.Source, ctor Constructor) {
	r.constructors[source] = ctor
}

// New implements crawler.AdapterFactory.
func (r *Registry) New(source crawler.Source) (crawler.Adapter, error) {
	ctor, ok := r.constructors[source]
	if !ok {
		return nil, &crawler.ConfigurationError{Reason: fmt.Sprintf("unknown source %q", source)}
	}
	opts := r.opts
	if d, ok := r.delays[source]; ok {
		opts.Delay = d
	}
	return ctor(opts), nil
}

// Sources lists the registered sources in scheduling order.
func (r *Registry) Sources() []crawler.Source {
	out := make([]crawler.Source, 0, len(r.constructors))
	for _, src := range crawler.AllSources() {
		if _, ok := r.constructors[src]; ok {
			out = append(out, src)
		}
	}
	return out
}
