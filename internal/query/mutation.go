package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/odyssey-console/internal/transport"
)

// Mutation names a write operation.
type Mutation string

const (
	MutationCreate Mutation = "create"
	MutationUpdate Mutation = "update"
	MutationDelete Mutation = "delete"
)

// ErrUnknownMutation is returned for mutation names outside the three verbs.
var ErrUnknownMutation = errors.New("query: unknown mutation")

// ParseMutation validates a mutation name.
func ParseMutation(s string) (Mutation, error) {
	switch m := Mutation(strings.ToLower(strings.TrimSpace(s))); m {
	case MutationCreate, MutationUpdate, MutationDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMutation, s)
	}
}

// Event describes a confirmed mutation so other caches can converge.
type Event struct {
	Kind   Kind     `json:"kind"`
	Op     Mutation `json:"op"`
	ID     string   `json:"id,omitempty"`
	Origin string   `json:"origin,omitempty"`
}

// Publisher fans mutation events out to other instances.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// InvalidateAfterMutation applies the cache consequences of a confirmed
// mutation. Create invalidates every list of kind. Update also invalidates
// the item's detail entry. Delete removes the detail entry outright and
// decrements cached totals while the lists refetch.
func (c *Cache) InvalidateAfterMutation(kind Kind, op Mutation, id string) {
	switch op {
	case MutationCreate:
	case MutationUpdate:
		if id != "" {
			c.Invalidate(DetailKey(kind, id))
		}
	case MutationDelete:
		if id != "" {
			c.Remove(DetailKey(kind, id))
			c.Update(ListPrefix(kind), func(_ Key, payload any) (any, bool) {
				res, ok := payload.(transport.ListResult)
				if !ok {
					return payload, false
				}
				return withoutItem(res, id), true
			})
		}
	default:
		return
	}
	n := c.InvalidatePrefix(ListPrefix(kind))
	c.logger.Debug("cache invalidated after mutation",
		slog.String("kind", string(kind)),
		slog.String("op", string(op)),
		slog.String("id", id),
		slog.Int("lists", n),
	)
}

// withoutItem returns a copy of res with the total decremented and the item
// with id dropped from the page when present.
func withoutItem(res transport.ListResult, id string) transport.ListResult {
	out := res
	if out.Total > 0 {
		out.Total--
	}
	out.Items = make([]json.RawMessage, 0, len(res.Items))
	for _, item := range res.Items {
		if itemID(item) == id {
			continue
		}
		out.Items = append(out.Items, item)
	}
	return out
}

func itemID(item json.RawMessage) string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &probe); err != nil {
		return ""
	}
	return string(bytes.Trim(probe.ID, `"`))
}

// MutateOption tunes a single mutation.
type MutateOption func(*mutateOptions)

type mutateOptions struct {
	optimistic func(*Cache)
}

// WithOptimistic applies patch to the cache before the write is sent. If the
// write fails the affected entries are restored and refetched.
func WithOptimistic(patch func(*Cache)) MutateOption {
	return func(o *mutateOptions) {
		o.optimistic = patch
	}
}

// Coordinator runs writes through the transport and keeps the cache in step.
// A failed write leaves the cache untouched unless the caller opted into an
// optimistic patch, which is then rolled back.
type Coordinator struct {
	cache     *Cache
	transport transport.Transport
	publisher Publisher
	logger    *slog.Logger
}

// NewCoordinator constructs a Coordinator. publisher may be nil.
func NewCoordinator(cache *Cache, tr transport.Transport, publisher Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cache: cache, transport: tr, publisher: publisher, logger: logger}
}

// Create stores a new item of kind.
func (c *Coordinator) Create(ctx context.Context, kind Kind, payload json.RawMessage, opts ...MutateOption) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.run(ctx, kind, MutationCreate, "", opts, func(ctx context.Context) error {
		var err error
		out, err = c.transport.Create(ctx, string(kind), payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update replaces item id of kind.
func (c *Coordinator) Update(ctx context.Context, kind Kind, id string, payload json.RawMessage, opts ...MutateOption) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.run(ctx, kind, MutationUpdate, id, opts, func(ctx context.Context) error {
		var err error
		out, err = c.transport.Update(ctx, string(kind), id, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes item id of kind.
func (c *Coordinator) Delete(ctx context.Context, kind Kind, id string, opts ...MutateOption) error {
	return c.run(ctx, kind, MutationDelete, id, opts, func(ctx context.Context) error {
		return c.transport.Delete(ctx, string(kind), id)
	})
}

func (c *Coordinator) run(ctx context.Context, kind Kind, op Mutation, id string, opts []MutateOption, write func(context.Context) error) error {
	var o mutateOptions
	for _, opt := range opts {
		opt(&o)
	}

	var snapshot []Entry
	if o.optimistic != nil {
		snapshot = c.cache.Snapshot(KindPrefix(kind))
		o.optimistic(c.cache)
	}

	if err := write(ctx); err != nil {
		if o.optimistic != nil {
			c.cache.Restore(snapshot)
			c.cache.InvalidatePrefix(KindPrefix(kind))
			c.logger.Info("optimistic mutation rolled back",
				slog.String("kind", string(kind)),
				slog.String("op", string(op)),
				slog.Any("error", err),
			)
		}
		// Validation errors pass through untouched for form display.
		var ve *transport.ValidationError
		if errors.As(err, &ve) {
			return ve
		}
		return fmt.Errorf("query: %s %s: %w", op, kind, err)
	}

	c.cache.InvalidateAfterMutation(kind, op, id)
	if c.publisher != nil {
		if err := c.publisher.Publish(ctx, Event{Kind: kind, Op: op, ID: id}); err != nil {
			c.logger.Warn("publish mutation event", slog.String("kind", string(kind)), slog.Any("error", err))
		}
	}
	return nil
}
