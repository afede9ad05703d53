package task

import (
	"context"
	"testing"

	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	var got string
	require.NoError(t, r.Register("enrich_album", ProcessorFunc(func(_ context.Context, job *queue.Job) error {
		got = job.Type
		return nil
	})))

	assert.Error(t, r.Register("enrich_album", noop), "duplicate registration")
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("enrich_artist", nil))

	require.NoError(t, r.Process(ctx, &queue.Job{Type: "enrich_album"}))
	assert.Equal(t, "enrich_album", got)

	err := r.Process(ctx, &queue.Job{Type: "enrich_playlist"})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	assert.ElementsMatch(t, []string{"enrich_album"}, r.Types())
}
