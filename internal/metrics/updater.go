package metrics

import (
	"context"
	"log/slog"
)

// Source supplies the figures the updater publishes.
type Source interface {
	CountUnsettled() (int, error)
	IssuanceActive() (bool, error)
}

type Updater struct {
	source  Source
	trigger chan struct{}
}

func NewUpdater(source Source) *Updater {
	return &Updater{
		source: source,
		// buffered channel to avoid blocking and all we need to know is that "something"
		// has happened whilst we were busy
		trigger: make(chan struct{}, 1),
	}
}

func (u *Updater) Start(ctx context.Context) {
	u.UpdateMetrics()
	go func() {
		for {
			select {
			case <-u.trigger:
				u.UpdateMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
		// channel is full, so we don't need to do anything
	}
}

func (u *Updater) UpdateMetrics() {
	count, err := u.source.CountUnsettled()
	if err != nil {
		slog.Error("failed to count unsettled submissions", "err", err)
	} else {
		unsettledSubmissions.Set(float64(count))
	}

	active, err := u.source.IssuanceActive()
	if err != nil {
		slog.Error("failed to read issuance status", "err", err)
		return
	}
	SetIssuanceActive(active)
}
