package storage

import (
	"context"
	"time"

	"github.com/petervdpas/neighborly/internal/session"
)

// Source is what snapshots are taken from and restored into.
type Source interface {
	Records() []session.Record
	Restore([]session.Record) int
}

// RestoreInto loads the stored snapshot into src and returns how many
// sessions were restored.
func (d *DB) RestoreInto(src Source) (int, error) {
	recs, err := d.LoadSessions()
	if err != nil {
		return 0, err
	}
	n := src.Restore(recs)
	log.Infow("sessions restored", "count", n, "path", d.path)
	return n, nil
}

// RunSnapshots saves src every interval until ctx ends, then saves once more.
// Failures are logged and retried on the next tick.
func (d *DB) RunSnapshots(ctx context.Context, src Source, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := d.SaveSessions(src.Records()); err != nil {
				log.Errorw("final snapshot failed", "err", err)
				return err
			}
			log.Infow("final snapshot saved", "path", d.path)
			return nil
		case <-t.C:
			if err := d.SaveSessions(src.Records()); err != nil {
				log.Warnw("snapshot failed", "err", err)
			}
		}
	}
}
