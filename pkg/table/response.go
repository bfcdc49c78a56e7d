package table

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is the response to a table request.
type Envelope struct {
	Controls     []string `json:"controls"`
	Rows         []Row    `json:"rows"`
	FilteredKeys []any    `json:"filteredKeys"`
	Pages        Pages    `json:"pages"`
	Counts       Counts   `json:"counts"`
}

type Pages struct {
	Total int `json:"total"`
}

type Counts struct {
	Total    int `json:"total"`
	Filtered int `json:"filtered"`
}

func assemble(controls []string, rows []Row, snap *snapshot) *Envelope {
	env := &Envelope{
		Controls:     controls,
		Rows:         rows,
		FilteredKeys: snap.filteredKeys,
		Pages:        Pages{Total: max(snap.page.LastPage, 1)},
		Counts:       Counts{Total: snap.total, Filtered: snap.filtered},
	}
	if env.Controls == nil {
		env.Controls = []string{}
	}
	if env.Rows == nil {
		env.Rows = []Row{}
	}
	if env.FilteredKeys == nil {
		env.FilteredKeys = []any{}
	}
	return env
}

// ResponseReady is published once a response has been assembled.
type ResponseReady struct {
	ID         string          `json:"id"`
	Entity     EntityType      `json:"entity"`
	Request    *Request        `json:"-"`
	RawRequest json.RawMessage `json:"request,omitempty"`
	Response   *Envelope       `json:"response"`
	RequestID  string          `json:"requestId,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Time       time.Time       `json:"time"`
}

// Publisher receives ResponseReady notifications. Its errors never reach
// the caller of Handle.
type Publisher interface {
	Publish(ctx context.Context, ev *ResponseReady) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev *ResponseReady) error

func (f PublisherFunc) Publish(ctx context.Context, ev *ResponseReady) error {
	return f(ctx, ev)
}

type requestIDKey struct{}

// WithRequestID stores the transport request id for notifications.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (ep *Endpoint) notify(ctx context.Context, actor Actor, req *Request, env *Envelope) {
	if ep.publisher == nil {
		return
	}
	ev := &ResponseReady{
		ID:         uuid.NewString(),
		Entity:     ep.entity,
		Request:    req,
		RawRequest: req.Raw,
		Response:   env,
		RequestID:  RequestIDFrom(ctx),
		ActorID:    actor.ID,
		Time:       time.Now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			ep.logger.Error("publisher panicked", zap.String("event", ev.ID), zap.Any("panic", r))
		}
	}()
	if err := ep.publisher.Publish(ctx, ev); err != nil {
		ep.logger.Warn("failed to publish response notification",
			zap.String("event", ev.ID),
			zap.Error(err))
	}
}
