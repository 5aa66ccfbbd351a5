package aranet4

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

// Reader runs discovery and a session as one reading attempt.
type Reader struct {
	Watcher *Watcher
	Session *Session
}

func NewReader(adapter aranet.Adapter, nameFilter string, settleDelay time.Duration) *Reader {
	return &Reader{
		Watcher: &Watcher{Adapter: adapter, NameFilter: nameFilter},
		Session: &Session{Adapter: adapter, SettleDelay: settleDelay},
	}
}

func (r *Reader) Read(ctx context.Context) (aranet.Reading, error) {
	p, err := r.Watcher.WaitForDevice(ctx)
	if err != nil {
		return aranet.Reading{}, err
	}
	log.Printf("Found: %s addr %s", p.Name(), p.Address())
	return r.Session.ReadOnce(ctx, p)
}
