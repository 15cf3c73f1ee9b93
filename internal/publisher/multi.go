package publisher

import (
	"context"
	"errors"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// SummaryPublisher is anything that can announce a run summary.
type SummaryPublisher interface {
	PublishRunSummary(ctx context.Context, summary *model.RunSummary) error
}

// Fanout sends a summary to every configured transport. One failing
// transport does not stop the others.
type Fanout []SummaryPublisher

func (f Fanout) PublishRunSummary(ctx context.Context, summary *model.RunSummary) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishRunSummary(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
