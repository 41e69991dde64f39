package changefeed

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/burhankhatib/lanaline/pkg/docstore"
)

// NotifyingStore publishes an event for every document a successful commit created,
// updated or deleted. Publishing failures are logged; the commit has already happened.
type NotifyingStore struct {
	docstore.Store
	publisher Publisher
}

// NewNotifyingStore decorates store.
func NewNotifyingStore(store docstore.Store, publisher Publisher) *NotifyingStore {
	return &NotifyingStore{Store: store, publisher: publisher}
}

func (s *NotifyingStore) Commit(ctx context.Context, tx *docstore.Transaction) (*docstore.Result, error) {
	// deleted documents cannot be reloaded afterwards
	var deleted []string
	for _, m := range tx.Mutations() {
		if m.Delete != "" {
			deleted = append(deleted, m.Delete)
		}
	}
	before := map[string]docstore.Document{}
	if len(deleted) > 0 {
		docs, err := s.Store.GetDocuments(ctx, deleted...)
		if err != nil {
			return nil, err
		}
		before = docstore.ByID(docs)
	}

	res, err := s.Store.Commit(ctx, tx)
	if err != nil {
		return nil, err
	}

	events, err := s.events(ctx, res, before)
	if err != nil {
		log.WithError(err).Error("❌ [CHANGEFEED] Could not load committed documents")
		return res, nil
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		log.WithError(err).Error("❌ [CHANGEFEED] Could not publish change events")
	}
	return res, nil
}

func (s *NotifyingStore) events(ctx context.Context, res *docstore.Result, before map[string]docstore.Document) ([]Event, error) {
	var written []string
	for _, r := range res.Results {
		if r.Operation != docstore.OperationDelete {
			written = append(written, r.ID)
		}
	}
	after := map[string]docstore.Document{}
	if len(written) > 0 {
		docs, err := s.Store.GetDocuments(ctx, written...)
		if err != nil {
			return nil, err
		}
		after = docstore.ByID(docs)
	}

	events := make([]Event, 0, len(res.Results))
	for _, r := range res.Results {
		doc := after[r.ID]
		if r.Operation == docstore.OperationDelete {
			doc = before[r.ID]
		}
		if doc == nil {
			continue
		}
		events = append(events, Event{
			Type:      doc.Type(),
			ID:        r.ID,
			Status:    doc.String("status"),
			Operation: r.Operation,
			User:      doc.Ref("user"),
		})
	}
	return events, nil
}
