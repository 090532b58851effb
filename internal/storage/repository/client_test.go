package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-controller/internal/backoff"
	"github.com/JakeFAU/harvest-controller/internal/bus"
	"github.com/JakeFAU/harvest-controller/internal/bus/memory"
	"github.com/JakeFAU/harvest-controller/internal/channels"
	"github.com/JakeFAU/harvest-controller/internal/storage/repository"
)

// startRepos wires a client and a fake repository onto one in-memory broker.
func startRepos(t *testing.T, answer func(req repository.StoreRequest) (bool, string)) *repository.Client {
	t.Helper()
	namer, err := channels.NewNamer("test", "", "localhost", 8080)
	require.NoError(t, err)

	m := bus.NewManager(memory.New(),
		bus.WithLogger(zap.NewNop()),
		bus.WithPolicy(backoff.NoWait(backoff.DefaultMaxTries)))
	t.Cleanup(m.Cleanup)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	if answer != nil {
		err = m.SetListener(ctx, namer.TheRepos(), "repos", func(ctx context.Context, msg *bus.Message) {
			var req repository.StoreRequest
			if err := msg.Decode(&req); err != nil {
				return
			}
			reply, err := bus.NewReply(msg, repository.TypeStoreReply, nil)
			if err != nil {
				return
			}
			ok, text := answer(req)
			if !ok {
				reply.SetError(text)
			}
			_ = m.Send(ctx, reply)
		})
		require.NoError(t, err)
	}

	client := repository.New(m, namer, 200*time.Millisecond, zap.NewNop())
	require.NoError(t, client.Listen(ctx, m))
	return client
}

func TestRegisterAccepted(t *testing.T) {
	var got repository.StoreRequest
	client := startRepos(t, func(req repository.StoreRequest) (bool, string) {
		got = req
		return true, ""
	})

	require.NoError(t, client.Register(context.Background(), "7-a.warc.gz", "gs://archive/7-a.warc.gz"))
	assert.Equal(t, "7-a.warc.gz", got.FileName)
	assert.Equal(t, "gs://archive/7-a.warc.gz", got.URI)
}

func TestRegisterRejected(t *testing.T) {
	client := startRepos(t, func(repository.StoreRequest) (bool, string) {
		return false, "checksum mismatch"
	})

	err := client.Register(context.Background(), "7-a.warc.gz", "gs://archive/7-a.warc.gz")
	require.ErrorIs(t, err, repository.ErrRejected)
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestRegisterNoReply(t *testing.T) {
	client := startRepos(t, nil)

	err := client.Register(context.Background(), "7-a.warc.gz", "gs://archive/7-a.warc.gz")
	assert.ErrorIs(t, err, repository.ErrNoReply)
}
