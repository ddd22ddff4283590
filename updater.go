package swcache

import (
	"context"
	"fmt"
	"time"
)

// pollManifest checks the manifest source at startup and then on every tick
// until the worker is closed. New versions are installed; activation
// follows the lifecycle policy.
func (w *Worker) pollManifest() {
	defer w.wg.Done()
	w.log.Info().
		Str("source", w.config.Manifest.String()).
		Dur("interval", w.config.Poll).
		Msg("Starting manifest poll loop")

	w.update()
	if w.config.Poll <= 0 {
		return
	}
	ticker := time.NewTicker(w.config.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.update()
		}
	}
}

func (w *Worker) update() {
	if err := w.Update(w.ctx); err != nil && w.ctx.Err() == nil {
		w.log.Error().Err(err).Msg("Could not update from manifest")
	}
}

// Update loads the manifest from the configured source and installs it.
// Installing the version that is already installed does nothing.
func (w *Worker) Update(ctx context.Context) error {
	if w.config.Manifest == nil {
		return fmt.Errorf("no manifest source configured")
	}
	m, err := w.config.Manifest.Load(ctx)
	if err != nil {
		return fmt.Errorf("load manifest from %s: %w", w.config.Manifest, err)
	}
	w.log.Trace().Str("version", m.Version).Int("resources", len(m.Resources)).Msg("Loaded manifest")
	return w.lifecycle.Install(ctx, m)
}
