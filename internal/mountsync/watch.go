package mountsync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchLocal signals on the returned channel after local edits under root
// settle for debounce. The channel is closed when ctx is done.
func WatchLocal(ctx context.Context, root string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := addTree(watcher, root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer watcher.Close()
		timer := time.NewTimer(debounce)
		timer.Stop()
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ignoredLocalFile(filepath.Base(event.Name)) {
					continue
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := addTree(watcher, event.Name); err != nil {
							logger.Warn("watch new directory failed", "path", event.Name, "err", err)
						}
					}
				}
				timer.Reset(debounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("local watch error", "err", err)
			case <-timer.C:
				notify(out)
			}
		}
	}()
	return out, nil
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Subscriber is implemented by HTTPClient.
type Subscriber interface {
	Subscribe(ctx context.Context, notify func(sequence int64)) error
}

// WatchRemote keeps a delta subscription open, reconnecting with backoff,
// and signals whenever the server announces a new sequence.
func WatchRemote(ctx context.Context, sub Subscriber, logger *slog.Logger) <-chan struct{} {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		var last int64 = -1
		backoff := time.Second
		for ctx.Err() == nil {
			connected := time.Now()
			err := sub.Subscribe(ctx, func(sequence int64) {
				if sequence != last {
					last = sequence
					notify(out)
				}
			})
			if ctx.Err() != nil {
				return
			}
			if time.Since(connected) > time.Minute {
				backoff = time.Second
			}
			logger.Warn("delta subscription dropped", "err", err, "retry_in", backoff)
			if waitWithContext(ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, 30*time.Second)
		}
	}()
	return out
}

// notify does a non-blocking send; one pending signal is enough.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
