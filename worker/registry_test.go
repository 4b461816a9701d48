package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strerr "github.com/strutframework/strut/internal/runtime/errors"
)

func TestRegisterAndDispatch(t *testing.T) {
	reg := NewRegistry()
	var got argsPayload
	require.NoError(t, Register(reg, funcWorker{
		name: "echo",
		handle: func(_ context.Context, args argsPayload) error {
			got = args
			return nil
		},
	}))

	entry, ok := reg.lookup("echo")
	require.True(t, ok)
	require.NoError(t, entry.handler(context.Background(), &Job{
		Payload: []byte(`{"value":"decoded"}`),
	}))
	assert.Equal(t, "decoded", got.Value)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	w := funcWorker{name: "dup", handle: func(context.Context, argsPayload) error { return nil }}
	require.NoError(t, Register(reg, w))

	err := Register(reg, w)
	require.Error(t, err)
	var buildErr *strerr.BuildError
	assert.ErrorAs(t, err, &buildErr)
	assert.ErrorIs(t, err, strerr.ErrDuplicateName)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()
	err := Register[argsPayload](reg, nil)
	assert.ErrorIs(t, err, strerr.ErrWorkerRequired)

	err = Register(reg, funcWorker{name: ""})
	assert.ErrorIs(t, err, strerr.ErrWorkerNameRequired)
}

func TestHandlerWrapsErrors(t *testing.T) {
	reg := NewRegistry()
	cause := errors.New("db gone")
	require.NoError(t, Register(reg, funcWorker{
		name:   "failing",
		handle: func(context.Context, argsPayload) error { return cause },
	}))

	entry, _ := reg.lookup("failing")
	err := entry.handler(context.Background(), &Job{})
	var handlerErr *strerr.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, "failing", handlerErr.Worker)
	assert.ErrorIs(t, err, cause)
}

func TestHandlerRejectsBadPayload(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, funcWorker{
		name:   "typed",
		handle: func(context.Context, argsPayload) error { return nil },
	}))

	entry, _ := reg.lookup("typed")
	err := entry.handler(context.Background(), &Job{Payload: []byte(`{"value":`)})
	var serErr *strerr.SerializationError
	assert.ErrorAs(t, err, &serErr)
}

func TestRegistryNamesAndHas(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, Register(reg, funcWorker{name: "a", handle: func(context.Context, argsPayload) error { return nil }}))
	assert.True(t, reg.Has("a"))
	assert.False(t, reg.Has("b"))
	assert.ElementsMatch(t, []string{"a"}, reg.Names())
}
