package sqlite

import (
	"context"
	"log"
	"time"
)

// Pruner runs a background goroutine that periodically deletes backups
// beyond the configured retention count. The newest keep backups always
// survive; the pruner never touches the live database.
type Pruner struct {
	backups  *BackupManager
	keep     int
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewPruner creates a new Pruner. Call Start() to begin pruning.
func NewPruner(backups *BackupManager, keep int, interval time.Duration) *Pruner {
	return &Pruner{
		backups:  backups,
		keep:     keep,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background prune goroutine.
func (p *Pruner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		defer close(p.done)

		p.prune()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.prune()
			}
		}
	}()
}

// Stop cancels the prune goroutine and waits for it to finish.
func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Pruner) prune() int {
	removed, err := p.backups.Prune(p.keep)
	if err != nil {
		log.Printf("pruner: %v", err)
	}
	if len(removed) > 0 {
		log.Printf("pruner: removed %d old backup(s)", len(removed))
	}
	return len(removed)
}
