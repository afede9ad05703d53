package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phrazzld/spin-api/internal/activity"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/task"
)

// enrichmentProcessor handles enrich_<kind> jobs. Metadata providers are
// deployed separately; this process only validates the target entity and
// records that the job ran.
func enrichmentProcessor(kind activity.EntityKind, logger *slog.Logger) task.Processor {
	log := logger.With("component", "enrichment_processor", "entity_kind", kind)
	return task.ProcessorFunc(func(ctx context.Context, job *queue.Job) error {
		var ref activity.EntityRef
		if err := json.Unmarshal(job.Payload, &ref); err != nil {
			return fmt.Errorf("decode %s payload: %w", job.Type, err)
		}
		if ref.Kind == "" {
			ref.Kind = kind
		}
		if ref.Kind != kind || ref.ID == "" {
			return fmt.Errorf("job %s does not name a %s", job.ID, kind)
		}

		log.InfoContext(ctx, "enrichment job processed",
			"job_id", job.ID,
			"entity_id", ref.ID,
			"priority", job.Priority,
			"class", job.Class,
			"attempt", job.Attempts)
		return nil
	})
}

// newProcessorRegistry registers one enrichment processor per entity kind.
func newProcessorRegistry(logger *slog.Logger) (*task.Registry, error) {
	registry := task.NewRegistry()
	for _, kind := range []activity.EntityKind{activity.EntityAlbum, activity.EntityArtist, activity.EntityTrack} {
		if err := registry.Register("enrich_"+string(kind), enrichmentProcessor(kind, logger)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
