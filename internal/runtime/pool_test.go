package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/burrow/internal/runtime/errors"
	"github.com/drblury/burrow/internal/runtime/patterns"
	"github.com/drblury/burrow/transport"
)

func TestPoolAttachValidates(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)

	_, err := pool.Attach(ctx, "", cfg, NewOwnerID())
	assert.ErrorIs(t, err, errspkg.ErrInstanceKeyRequired)
	_, err = pool.Attach(ctx, "billing", cfg, "")
	assert.ErrorIs(t, err, errspkg.ErrOwnerRequired)

	cfg.URL = ""
	_, err = pool.Attach(ctx, "billing", cfg, NewOwnerID())
	assert.ErrorIs(t, err, errspkg.ErrInvalidConfig)
	assert.Zero(t, pool.Len())
}

func TestPoolRefcount(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)
	broker := brokerFor(t, cfg)
	echo := echoProvision(t, "echo")

	owners := []string{NewOwnerID(), NewOwnerID(), NewOwnerID()}
	first, err := pool.Attach(ctx, "billing", cfg, owners[0], WithProvisions(echo))
	require.NoError(t, err)
	assert.Equal(t, StateReady, first.State())
	assert.Equal(t, "billing", first.Name())

	for _, owner := range owners[1:] {
		inst, err := pool.Attach(ctx, "billing", cfg, owner)
		require.NoError(t, err)
		assert.Same(t, first, inst)
	}
	assert.Equal(t, 1, pool.Len())

	require.NoError(t, pool.Detach(ctx, "billing", owners[0]))
	require.NoError(t, pool.Detach(ctx, "billing", owners[1]))
	assert.Equal(t, StateReady, first.State())
	assert.Equal(t, 1, broker.ConsumerCount("echo"))

	err = pool.Detach(ctx, "billing", owners[0])
	assert.ErrorIs(t, err, errspkg.ErrUnknownOwner)
	assert.Equal(t, StateReady, first.State())

	require.NoError(t, pool.Detach(ctx, "billing", owners[2]))
	assert.Equal(t, StateClosed, first.State())
	assert.Zero(t, pool.Len())
	assert.False(t, echo.Provisioned())
	assert.Equal(t, 0, broker.ConsumerCount("echo"))

	err = pool.Detach(ctx, "billing", owners[2])
	assert.ErrorIs(t, err, errspkg.ErrUnknownInstance)
}

func TestPoolFirstWriterWins(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)

	first, err := pool.Attach(ctx, "shared", cfg, NewOwnerID())
	require.NoError(t, err)

	other := cfg
	other.Exchange = "something-else"
	second, err := pool.Attach(ctx, "shared", other, NewOwnerID())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, "tests", second.Exchange())

	require.NoError(t, pool.Close(ctx))
}

func TestPoolDeferredAttach(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Defer = true

	owner := NewOwnerID()
	inst, err := pool.Attach(ctx, "lazy", cfg, owner)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, inst.State())
	assert.False(t, inst.Connected())

	require.NoError(t, inst.Initialize(ctx))
	assert.Equal(t, StateReady, inst.State())

	require.NoError(t, pool.Detach(ctx, "lazy", owner))
	assert.Equal(t, StateClosed, inst.State())
}

func TestPoolDeferredDetachNeverInitialized(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Defer = true

	owner := NewOwnerID()
	inst, err := pool.Attach(ctx, "lazy", cfg, owner)
	require.NoError(t, err)
	require.NoError(t, pool.Detach(ctx, "lazy", owner))
	assert.Equal(t, StateIdle, inst.State())
	assert.Zero(t, pool.Len())
}

func TestPoolReattachAfterClose(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)
	broker := brokerFor(t, cfg)
	echo := echoProvision(t, "echo")

	owner := NewOwnerID()
	first, err := pool.Attach(ctx, "billing", cfg, owner, WithProvisions(echo))
	require.NoError(t, err)
	require.NoError(t, pool.Detach(ctx, "billing", owner))

	second, err := pool.Attach(ctx, "billing", cfg, owner, WithProvisions(echo))
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, echo.Provisioned(), "the provision is reused by the new instance")
	assert.Equal(t, 1, broker.ConsumerCount("echo"))
	require.NoError(t, pool.Detach(ctx, "billing", owner))
}

func TestPoolReplacesInstanceClosedOutsidePool(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)

	a, b := NewOwnerID(), NewOwnerID()
	first, err := pool.Attach(ctx, "billing", cfg, a)
	require.NoError(t, err)
	require.NoError(t, first.Disconnect(ctx))

	second, err := pool.Attach(ctx, "billing", cfg, b)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateReady, second.State())
	assert.True(t, second.Connected())
	assert.Equal(t, 1, pool.Len())

	// a belonged to the replaced instance.
	assert.ErrorIs(t, pool.Detach(ctx, "billing", a), errspkg.ErrUnknownOwner)
	require.NoError(t, pool.Detach(ctx, "billing", b))
	assert.Equal(t, StateClosed, second.State())
	assert.Zero(t, pool.Len())
}

func TestPoolReplacesDeferredInstanceAfterFailedInitialize(t *testing.T) {
	fatal := &fatalRecorder{}
	pool := NewPool(WithInstanceOptions(WithFatalHandler(fatal.handle), WithTransports(transport.NewRegistry())))
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Defer = true

	first, err := pool.Attach(ctx, "billing", cfg, NewOwnerID())
	require.NoError(t, err)
	require.Error(t, first.Initialize(ctx))
	require.Equal(t, StateClosed, first.State())

	second, err := pool.Attach(ctx, "billing", cfg, NewOwnerID())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateIdle, second.State())
	assert.Len(t, fatal.calls(), 1)
}

func TestPoolAttachInitializeFailure(t *testing.T) {
	fatal := &fatalRecorder{}
	pool := NewPool(WithInstanceOptions(WithFatalHandler(fatal.handle), WithTransports(transport.NewRegistry())))
	ctx := context.Background()

	_, err := pool.Attach(ctx, "broken", memoryConfig(t), NewOwnerID())
	require.Error(t, err)
	assert.Len(t, fatal.calls(), 1)
	assert.Zero(t, pool.Len())
}

func TestPoolConcurrentAttachDetach(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()
	cfg := memoryConfig(t)
	broker := brokerFor(t, cfg)
	jobs, _ := sinkProvision(t, patterns.KindFNF, "jobs", patterns.Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := NewOwnerID()
			for range 4 {
				inst, err := pool.Attach(ctx, "busy", cfg, owner, WithProvisions(jobs))
				if err != nil {
					errs <- err
					return
				}
				if err := inst.FNF().Invoke(ctx, "jobs", 1); err != nil && !errors.Is(err, errspkg.ErrNotConnected) {
					errs <- err
				}
				if err := pool.Detach(ctx, "busy", owner); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Zero(t, pool.Len())
	assert.Equal(t, 0, broker.ConsumerCount("jobs"))
	assert.Equal(t, 0, broker.OpenChannels())
}

func TestPoolSnapshotAndClose(t *testing.T) {
	pool := NewPool()
	ctx := context.Background()

	ownerA, ownerB := NewOwnerID(), NewOwnerID()
	_, err := pool.Attach(ctx, "b", memoryConfig(t), ownerB, WithProvisions(echoProvision(t, "echo")))
	require.NoError(t, err)
	a, err := pool.Attach(ctx, "a", memoryConfig(t), ownerA)
	require.NoError(t, err)

	snap := pool.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].Key)
	assert.Equal(t, []string{ownerA}, snap[0].Owners)
	assert.Equal(t, "ready", snap[0].Instance.State)
	assert.Equal(t, "b", snap[1].Key)
	require.Len(t, snap[1].Instance.Provisions, 1)
	assert.True(t, snap[1].Instance.Provisions[0].Provisioned)

	got, ok := pool.Get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, pool.Close(ctx))
	assert.Zero(t, pool.Len())
	assert.Equal(t, StateClosed, a.State())
	_, ok = pool.Get("a")
	assert.False(t, ok)
}
