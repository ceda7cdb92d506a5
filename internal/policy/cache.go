package policy

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danielprocop/lifestory-graph/internal/models"
)

const globalStampKey = "policy:version:global"

func ownerStampKey(owner uuid.UUID) string {
	return fmt.Sprintf("policy:version:owner:%s", owner)
}

// LoadFunc fetches the full active action log relevant to an owner together
// with the current policy version.
type LoadFunc func(ctx context.Context, owner uuid.UUID) ([]models.FeedbackAction, int64, error)

type cachedRuleset struct {
	globalStamp int64
	ownerStamp  int64
	rs          *Ruleset
}

// Cache hands out compiled rulesets. Compiled values live in-process keyed
// by owner; Redis carries only cheap version stamps so every instance sees
// an invalidation on its next read. A Redis outage degrades to compiling on
// every call rather than serving stale policy.
type Cache struct {
	rdb     *redis.Client
	load    LoadFunc
	byOwner sync.Map // uuid.UUID -> *cachedRuleset
}

// NewCache builds a ruleset cache over the given Redis client and loader.
func NewCache(rdb *redis.Client, load LoadFunc) *Cache {
	return &Cache{rdb: rdb, load: load}
}

// Get returns the ruleset for an owner, recompiling when either the global
// or the owner version stamp moved since the cached compile.
func (c *Cache) Get(ctx context.Context, owner uuid.UUID) (*Ruleset, error) {
	globalStamp, ownerStamp, stampsOK := c.stamps(ctx, owner)

	if stampsOK {
		if v, ok := c.byOwner.Load(owner); ok {
			cached := v.(*cachedRuleset)
			if cached.globalStamp == globalStamp && cached.ownerStamp == ownerStamp {
				return cached.rs, nil
			}
		}
	}

	actions, version, err := c.load(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load policy actions")
	}
	rs := Compile(owner, version, actions)

	if stampsOK {
		c.byOwner.Store(owner, &cachedRuleset{
			globalStamp: globalStamp,
			ownerStamp:  ownerStamp,
			rs:          rs,
		})
	}
	return rs, nil
}

// Invalidate bumps the version stamps after a governance apply or revert.
// A GLOBAL-scoped change bumps the global stamp and with it every owner.
func (c *Cache) Invalidate(ctx context.Context, owner uuid.UUID, global bool) {
	if c.rdb == nil {
		c.byOwner.Range(func(k, _ any) bool {
			c.byOwner.Delete(k)
			return true
		})
		return
	}

	key := ownerStampKey(owner)
	if global {
		key = globalStampKey
	}
	if err := c.rdb.Incr(ctx, key).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to bump policy version stamp")
		c.byOwner.Delete(owner)
	}
}

// stamps reads both version stamps. A missing key counts as zero; a Redis
// error disables caching for this call.
func (c *Cache) stamps(ctx context.Context, owner uuid.UUID) (int64, int64, bool) {
	if c.rdb == nil {
		return 0, 0, false
	}
	vals, err := c.rdb.MGet(ctx, globalStampKey, ownerStampKey(owner)).Result()
	if err != nil {
		log.Warn().Err(err).Msg("failed to read policy version stamps, bypassing ruleset cache")
		return 0, 0, false
	}
	return stampValue(vals[0]), stampValue(vals[1]), true
}

func stampValue(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
