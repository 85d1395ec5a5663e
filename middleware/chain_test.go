package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientmq/resilientmq/event"
)

func TestChainEmptyInvokesTerminalDirectly(t *testing.T) {
	called := false
	terminal := func(ctx context.Context, msg *event.Message) error {
		called = true
		return nil
	}
	h := Chain(nil, terminal)
	require.NoError(t, h(context.Background(), &event.Message{}))
	assert.True(t, called)
}

func TestChainOnionOrdering(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, msg *event.Message) error {
				order = append(order, tag+":before")
				err := next(ctx, msg)
				order = append(order, tag+":after")
				return err
			}
		}
	}
	terminal := func(ctx context.Context, msg *event.Message) error {
		order = append(order, "terminal")
		return nil
	}
	h := Chain([]Middleware{mw("m1"), mw("m2")}, terminal)
	require.NoError(t, h(context.Background(), &event.Message{}))
	assert.Equal(t, []string{"m1:before", "m2:before", "terminal", "m2:after", "m1:after"}, order)
}

func TestChainSkipTerminatesWithoutCallingNext(t *testing.T) {
	terminalCalled := false
	terminal := func(ctx context.Context, msg *event.Message) error {
		terminalCalled = true
		return nil
	}
	skip := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *event.Message) error {
			return nil // conditional skip: never calls next
		}
	}
	h := Chain([]Middleware{skip}, terminal)
	require.NoError(t, h(context.Background(), &event.Message{}))
	assert.False(t, terminalCalled)
}

func TestChainPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	terminal := func(ctx context.Context, msg *event.Message) error {
		return boom
	}
	passthrough := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *event.Message) error {
			return next(ctx, msg)
		}
	}
	h := Chain([]Middleware{passthrough}, terminal)
	err := h(context.Background(), &event.Message{})
	assert.ErrorIs(t, err, boom)
}

func TestChainCatchSwallowsError(t *testing.T) {
	boom := errors.New("boom")
	terminal := func(ctx context.Context, msg *event.Message) error {
		return boom
	}
	catch := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *event.Message) error {
			_ = next(ctx, msg)
			return nil
		}
	}
	h := Chain([]Middleware{catch}, terminal)
	assert.NoError(t, h(context.Background(), &event.Message{}))
}
