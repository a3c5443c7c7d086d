package universe

import (
	"time"

	"github.com/johnayoung/go-market-integrity/internal/models"
	"github.com/johnayoung/go-market-integrity/internal/storage"
)

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func dayPtr(s string) *time.Time {
	d := day(s)
	return &d
}

func rename(oldSym, newSym, on string) models.TickerChange {
	return models.TickerChange{OldSymbol: oldSym, NewSymbol: newSym, ChangeDate: day(on), ChangeType: models.ChangeRename}
}

func newTestResolver(store *storage.MemoryStorage, now time.Time, observer Observer) *Resolver {
	return NewResolver(
		NewConstituentsRepository(store, nil),
		NewTickerChangesRepository(store, nil),
		NewSnapshotsRepository(store, time.Hour, WithSnapshotClock(func() time.Time { return now })),
		observer,
		nil,
	)
}
