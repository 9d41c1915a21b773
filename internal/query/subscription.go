package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// Result is what a subscription currently shows.
type Result struct {
	Key    Key
	Params Params
	// Data is the last list page delivered. While a new key loads it keeps
	// the previous page so pagination does not flash empty.
	Data transport.ListResult
	// HasData reports whether Data was ever populated.
	HasData bool
	// IsLoading is true while nothing has been shown yet.
	IsLoading bool
	// IsFetching is true whenever a request for the current params is
	// outstanding.
	IsFetching bool
	Err        error
}

// SubscriptionOptions override client defaults for one subscription.
type SubscriptionOptions struct {
	SearchDebounce time.Duration
	Clock          Clock
}

// Subscription is a live list view over one kind. Parameter changes issue new
// requests; each request carries a generation and only the latest generation
// may update the result, regardless of arrival order.
type Subscription struct {
	id     uuid.UUID
	client *Client
	kind   Kind
	logger *slog.Logger

	mu      sync.Mutex
	params  Params
	key     Key
	gen     uint64
	result  Result
	closed  bool
	updates chan Result

	search  *Debouncer[string]
	unwatch func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Subscribe opens a live view over kind and issues the first request
// immediately.
func (c *Client) Subscribe(kind Kind, params Params, opts SubscriptionOptions) (*Subscription, error) {
	if _, err := c.registry.Normalize(kind, params); err != nil {
		return nil, err
	}
	if opts.SearchDebounce == 0 {
		opts.SearchDebounce = c.debounce
	}
	if opts.Clock == nil {
		opts.Clock = c.clock
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      uuid.New(),
		client:  c,
		kind:    kind,
		params:  params.Clone(),
		updates: make(chan Result, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.logger = c.logger.With(slog.String("subscription", s.id.String()), slog.String("kind", string(kind)))
	s.search = NewDebouncer(opts.Clock, opts.SearchDebounce, s.commitSearch)
	s.unwatch = c.cache.Watch(s.onInvalidate)

	s.mu.Lock()
	s.issueLocked(false)
	s.mu.Unlock()
	return s, nil
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Updates delivers the latest result after every change. The channel holds
// only the newest result; slow readers skip intermediate ones.
func (s *Subscription) Updates() <-chan Result { return s.updates }

// Result returns the current result.
func (s *Subscription) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Params returns the committed parameters.
func (s *Subscription) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// SetPage moves to page and fetches immediately.
func (s *Subscription) SetPage(page int) {
	s.update(func(p *Params) { p.Page = page })
}

// SetPageSize changes the page size and returns to the first page.
func (s *Subscription) SetPageSize(size int) {
	s.update(func(p *Params) {
		p.PageSize = size
		p.Page = 1
	})
}

// SetSort changes ordering and returns to the first page.
func (s *Subscription) SetSort(field string, dir transport.SortDirection) {
	s.update(func(p *Params) {
		p.SortField = field
		p.SortDir = dir
		p.Page = 1
	})
}

// SetFilter sets or, with an empty value, clears a filter and returns to the
// first page.
func (s *Subscription) SetFilter(field, value string) {
	s.update(func(p *Params) {
		if p.Filters == nil {
			p.Filters = make(map[string]string)
		}
		p.Filters[field] = value
		p.Page = 1
	})
}

// SetSearch records search input. The request is issued once the input has
// been quiet for the debounce window.
func (s *Subscription) SetSearch(text string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.search.Push(text)
	}
}

func (s *Subscription) commitSearch(text string) {
	s.update(func(p *Params) {
		p.Search = text
		p.Page = 1
	})
}

// Refetch reloads the current parameters even when cached data is fresh.
func (s *Subscription) Refetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.issueLocked(true)
}

// Close stops the subscription. Results still in flight are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.mu.Unlock()

	s.search.Cancel()
	s.unwatch()
	s.cancel()
	s.wg.Wait()
	close(s.updates)
}

func (s *Subscription) update(mutate func(*Params)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	next := s.params.Clone()
	mutate(&next)
	if _, err := s.client.registry.Normalize(s.kind, next); err != nil {
		s.result.Err = err
		s.publishLocked()
		return
	}
	s.params = next
	s.issueLocked(false)
}

func (s *Subscription) onInvalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || key != s.key {
		return
	}
	s.issueLocked(false)
}

// issueLocked starts a request for the current params under a new
// generation. Callers hold s.mu.
func (s *Subscription) issueLocked(force bool) {
	key, p, err := s.client.registry.ListKey(s.kind, s.params)
	if err != nil {
		s.result.Err = err
		s.result.IsFetching = false
		s.publishLocked()
		return
	}
	s.gen++
	gen := s.gen
	s.key = key

	s.result.Key = key
	s.result.Params = s.params.Clone()
	s.result.Err = nil
	s.result.IsFetching = true
	if entry, ok := s.client.cache.Peek(key); ok && entry.HasPayload() {
		if res, ok := entry.Payload.(transport.ListResult); ok {
			s.result.Data = res
			s.result.HasData = true
		}
	}
	s.result.IsLoading = !s.result.HasData
	s.publishLocked()

	loader := s.client.listLoader(s.kind, p)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var (
			payload any
			err     error
		)
		if force {
			payload, err = s.client.cache.Refresh(s.ctx, key, loader)
		} else {
			payload, err = s.client.cache.Fetch(s.ctx, key, s.client.maxAge, loader)
		}
		s.settle(gen, key, payload, err)
	}()
}

func (s *Subscription) settle(gen uint64, key Key, payload any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if gen != s.gen {
		s.client.metrics.recordDiscard(s.kind)
		s.logger.Debug("discarding superseded result", slog.String("key", key.String()))
		return
	}
	s.result.IsFetching = false
	s.result.IsLoading = false
	if err != nil {
		s.result.Err = err
		s.publishLocked()
		return
	}
	if res, ok := payload.(transport.ListResult); ok {
		s.result.Data = res
		s.result.HasData = true
	}
	s.publishLocked()
}

// publishLocked replaces any unread result with the current one. Callers
// hold s.mu.
func (s *Subscription) publishLocked() {
	select {
	case <-s.updates:
	default:
	}
	s.updates <- s.result
}
