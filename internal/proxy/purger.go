package proxy

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunPurger periodically trims expired entries from the LRU end of the response cache and logs
// the counter dump alongside the purge result. maxPurges bounds each tick so a burst of expiries
// cannot hold the cache lock for long. Runs until the context is cancelled; call in its own
// go-routine.
func (t *Proxy) RunPurger(ctx context.Context, interval time.Duration, maxPurges int) {
	log.Infof("purger running every %s, max %d purges per tick", interval, maxPurges)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("purger stopping")
			return
		case <-ticker.C:
			size, purged := t.cache.PeriodicPurge(maxPurges, time.Now())
			log.Infof("%s cacheSize=%d cachePurged=%d", t.metrics.Dump(), size, purged)
		}
	}
}
