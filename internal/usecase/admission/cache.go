package admission

import (
	"crypto/sha256"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"signalflow/internal/domain"
)

// resultCache remembers validated analysis results so that a re-submitted
// signal skips the reasoning call while the resolved guideline is unchanged.
// A nil cache (disabled) is safe to use.
type resultCache struct {
	c *gocache.Cache
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		return nil
	}
	return &resultCache{c: gocache.New(ttl, 2*ttl)}
}

func (rc *resultCache) get(key string) (domain.AnalysisResult, bool) {
	if rc == nil {
		return domain.AnalysisResult{}, false
	}
	v, ok := rc.c.Get(key)
	if !ok {
		return domain.AnalysisResult{}, false
	}
	res, ok := v.(domain.AnalysisResult)
	return res, ok
}

func (rc *resultCache) put(key string, res domain.AnalysisResult) {
	if rc == nil {
		return
	}
	rc.c.SetDefault(key, res)
}

// resultCacheKey keys on signal type, signal id, and a digest of the resolved
// guideline text, so that editing a guideline invalidates prior results.
func resultCacheKey(s domain.Signal, guideline string) string {
	sum := sha256.Sum256([]byte(guideline))
	return fmt.Sprintf("%s|%s|%x", s.Type, s.ID, sum[:8])
}
