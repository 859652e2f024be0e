// Package redis provides Redis-backed persistence. Execution contexts and
// graphs live in plain keys, checkpoints in per-run hashes, and delta logs
// in per-run lists so Range and Trim map onto LRANGE and LTRIM.
package redis

import (
	"context"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/duetflow/duetflow/pkg/persistence"
)

const keyPrefix = "duetflow:"

// Persistence implements persistence.Persistence on a Redis server.
type Persistence struct {
	client      *goredis.Client
	graphs      *GraphRepository
	runs        *RunRepository
	checkpoints *CheckpointRepository
	deltas      *DeltaLogRepository
}

// NewPersistence connects using a redis:// URL.
func NewPersistence(redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(normalizeURL(redisURL))
	if err != nil {
		return nil, err
	}

	p := &Persistence{client: goredis.NewClient(opts)}
	p.graphs = &GraphRepository{c: p.client}
	p.runs = &RunRepository{c: p.client}
	p.checkpoints = &CheckpointRepository{c: p.client}
	p.deltas = &DeltaLogRepository{c: p.client}

	return p, nil
}

func normalizeURL(u string) string {
	if strings.Contains(u, "://") {
		return u
	}

	return "redis://" + u
}

func (p *Persistence) Graphs() persistence.GraphRepository {
	return p.graphs
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

func (p *Persistence) Checkpoints() persistence.CheckpointRepository {
	return p.checkpoints
}

func (p *Persistence) Deltas() persistence.DeltaLogRepository {
	return p.deltas
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}
