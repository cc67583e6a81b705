package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/transport"
	"github.com/sambigeara/lonip/pkg/types"
)

func TestListenGivesUpWhenCancelled(t *testing.T) {
	held, err := transport.Listen(types.MustEndpoint("127.0.0.1:0"))
	require.NoError(t, err)
	defer held.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	tr, err := listen(ctx, held.LocalAddr())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, tr)
}

func TestListenRetriesUntilPortFrees(t *testing.T) {
	held, err := transport.Listen(types.MustEndpoint("127.0.0.1:0"))
	require.NoError(t, err)
	local := held.LocalAddr()

	time.AfterFunc(100*time.Millisecond, func() { _ = held.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := listen(ctx, local)
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, local, tr.LocalAddr())
}
