package sweeper_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"greenhouse.dev/pulse/internal/sweeper"
)

// fakeDevice mirrors the status/last_seen columns the sweep touches.
type fakeDevice struct {
	lastSeen time.Time
	online   bool
}

// fakeStore applies the sweep's strict less-than selection in memory.
type fakeStore struct {
	devices  map[string]*fakeDevice
	sweepErr error
	cutoffs  []time.Time
}

func (f *fakeStore) SweepOffline(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	var processed int64
	for _, d := range f.devices {
		if d.online && d.lastSeen.Before(cutoff) {
			d.online = false
			processed++
		}
	}
	return processed, nil
}

var _ = Describe("Sweeper", func() {
	var (
		logger *slog.Logger
		store  *fakeStore
		now    time.Time
		sw     *sweeper.Sweeper
		ctx    context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		store = &fakeStore{devices: make(map[string]*fakeDevice)}
		now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		ctx = context.Background()

		var err error
		sw, err = sweeper.New(&sweeper.Config{
			Logger: logger,
			Store:  store,
			Now:    func() time.Time { return now },
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("should return error when config is nil", func() {
			sw, err := sweeper.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(sw).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			sw, err := sweeper.New(&sweeper.Config{Store: store})
			Expect(err).To(HaveOccurred())
			Expect(sw).To(BeNil())
		})

		It("should return error when store is nil", func() {
			sw, err := sweeper.New(&sweeper.Config{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(sw).To(BeNil())
		})
	})

	Describe("Run", func() {
		It("should compute the cutoff as now minus 120 seconds", func() {
			_, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.cutoffs).To(HaveLen(1))
			Expect(store.cutoffs[0]).To(Equal(now.Add(-120 * time.Second)))
		})

		It("should flip only stale online devices", func() {
			store.devices["A"] = &fakeDevice{lastSeen: now.Add(-200 * time.Second), online: true}
			store.devices["B"] = &fakeDevice{lastSeen: now.Add(-10 * time.Second), online: true}

			processed, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(Equal(int64(1)))
			Expect(store.devices["A"].online).To(BeFalse())
			Expect(store.devices["B"].online).To(BeTrue())
		})

		It("should not sweep a device exactly at the cutoff", func() {
			store.devices["edge"] = &fakeDevice{lastSeen: now.Add(-120 * time.Second), online: true}

			processed, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(BeZero())
			Expect(store.devices["edge"].online).To(BeTrue())
		})

		It("should sweep a device one millisecond past the cutoff", func() {
			store.devices["late"] = &fakeDevice{
				lastSeen: now.Add(-120*time.Second - time.Millisecond),
				online:   true,
			}

			processed, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(Equal(int64(1)))
			Expect(store.devices["late"].online).To(BeFalse())
		})

		It("should ignore devices already offline", func() {
			store.devices["old"] = &fakeDevice{lastSeen: now.Add(-time.Hour), online: false}

			processed, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(processed).To(BeZero())
		})

		It("should be idempotent across consecutive runs", func() {
			store.devices["A"] = &fakeDevice{lastSeen: now.Add(-300 * time.Second), online: true}

			first, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(Equal(int64(1)))

			second, err := sw.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeZero())
		})

		It("should surface sweep failures without processing anything", func() {
			store.sweepErr = errors.New("deadlock detected")

			processed, err := sw.Run(ctx)
			Expect(err).To(MatchError(sweeper.ErrSweepFailed))
			Expect(processed).To(BeZero())
		})
	})
})
