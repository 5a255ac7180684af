package detect

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// pollRateInterval spaces dataset visits so a scan never hammers a network
// mount; roughly ten datasets per second across full and quick scans.
const pollRateInterval = 100 * time.Millisecond

// quickScanThreshold is the number of consecutive visits without an update
// after which the poller interleaves a quick scan near the newest dataset.
const quickScanThreshold = 5

// Poller finds datasets on filesystems that deliver no change events, by
// scanning continuously. Updates go out on the channel passed to Run.
type Poller struct {
	Root     string
	Registry *Registry
	Log      zerolog.Logger
}

// NewPoller creates a poller over root with the given known-dataset state.
func NewPoller(root string, reg *Registry, log zerolog.Logger) *Poller {
	return &Poller{
		Root:     root,
		Registry: reg,
		Log:      log.With().Str("component", "poller").Str("root", root).Logger(),
	}
}

// Run scans until the context is cancelled, sending an Update for every new
// or modified dataset. Full scans repeat back to back; when a stretch of
// visits yields nothing new, a quick scan of the folder holding the newest
// dataset runs in between, since new data usually lands next to the last.
func (p *Poller) Run(ctx context.Context, updates chan<- Update) error {
	ticker := time.NewTicker(pollRateInterval)
	defer ticker.Stop()

	pace := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		quiet := 0
		err := Scan(ctx, p.Root, func(found Found) error {
			if p.Registry.Observe(found.Identifier, found.ModTime) {
				quiet = 0
				select {
				case updates <- Update{Identifier: found.Identifier, Priority: found.ModTime}:
				case <-ctx.Done():
					return ctx.Err()
				}
			} else {
				quiet++
			}
			if err := pace(); err != nil {
				return err
			}

			if quiet > quickScanThreshold {
				quiet = 0
				return QuickScan(p.Root, p.Registry, func(found Found) error {
					if p.Registry.Observe(found.Identifier, found.ModTime) {
						select {
						case updates <- Update{Identifier: found.Identifier, Priority: found.ModTime}:
						case <-ctx.Done():
							return ctx.Err()
						}
					}
					return pace()
				})
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Log.Warn().Err(err).Msg("scan failed, retrying")
		}
	}
}
