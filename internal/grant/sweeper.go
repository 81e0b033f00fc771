package grant

import (
	"context"
	"time"

	"github.com/dropDatabas3/johngrant/internal/metrics"
	"github.com/dropDatabas3/johngrant/internal/observability/logger"
)

// Sweeper barre periódicamente los registros vencidos del store.
// La expiración es efectiva en lectura desde el instante exacto; el
// sweep solo recupera espacio, con una gracia para introspección tardía.
type Sweeper struct {
	store    *Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run bloquea hasta que el contexto se cancele.
func (s *Sweeper) Run(ctx context.Context) {
	log := logger.From(ctx).With(logger.Layer("sweeper"))
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.store.PurgeExpired(ctx, s.now())
			if err != nil {
				log.Warn("sweep failed", logger.Err(err))
				continue
			}
			if n > 0 {
				metrics.GrantsPurged.Add(float64(n))
				log.Info("expired records purged", logger.Int("purged", n))
			}
		}
	}
}
