package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sshpool/internal/events"
	"sshpool/internal/session"
	"sshpool/internal/transport"
	"sshpool/internal/transport/transporttest"
)

var _ = Describe("SingleUse", func() {
	var (
		ctx      context.Context
		provider *transporttest.Provider
		rec      *events.Recorder
		manager  *session.SingleUse
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = transporttest.NewProvider()
		rec = &events.Recorder{}
		manager = session.NewSingleUse(provider.NewFactory("10.0.0.5:22:deploy"), rec)
	})

	It("opens and closes a session per call", func() {
		Expect(manager.Execute(ctx, nil, noop)).To(Succeed())
		Expect(manager.Execute(ctx, nil, noop)).To(Succeed())

		Expect(provider.Connects()).To(Equal(2))
		for _, s := range provider.Sessions() {
			Expect(s.Closed()).To(BeTrue())
		}
		Expect(rec.Count(events.Start)).To(Equal(2))
		Expect(rec.Count(events.Finish)).To(Equal(2))
	})

	It("closes the session when the callback fails", func() {
		err := manager.Execute(ctx, nil, func(transport.Session) error { return errors.New("boom") })
		Expect(err).To(MatchError("boom"))
		Expect(provider.Sessions()[0].Closed()).To(BeTrue())
	})

	It("reports connect failures", func() {
		provider.ConnectHook = func(int) error { return errors.New("connection refused") }

		err := manager.Execute(ctx, nil, noop)
		Expect(err).To(MatchError(ContainSubstring("connection refused")))
		Expect(rec.Count(events.Failure)).To(Equal(1))
	})

	It("refuses work after Close", func() {
		Expect(manager.Close()).To(Succeed())
		Expect(manager.Execute(ctx, nil, noop)).To(MatchError(session.ErrClosed))
	})
})

var _ = Describe("Pooled", func() {
	var (
		ctx      context.Context
		provider *transporttest.Provider
		manager  *session.Pooled
		cfg      session.PoolConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = transporttest.NewProvider()
		cfg = session.DefaultPoolConfig()
	})

	JustBeforeEach(func() {
		manager = session.NewPooled(provider.NewFactory("10.0.0.5:22:deploy"), cfg, nil)
	})

	AfterEach(func() {
		Expect(manager.Close()).To(Succeed())
	})

	It("reuses sessions across calls", func() {
		for i := 0; i < 5; i++ {
			Expect(manager.Execute(ctx, nil, noop)).To(Succeed())
		}
		Expect(provider.Connects()).To(Equal(1))
		Expect(manager.Stats().Idle).To(Equal(1))
	})

	It("starts over after Invalidate", func() {
		Expect(manager.Execute(ctx, nil, noop)).To(Succeed())
		manager.Invalidate("some-other-host")
		Expect(provider.Sessions()[0].Closed()).To(BeFalse())

		manager.Invalidate("10.0.0.5:22:deploy")
		Expect(provider.Sessions()[0].Closed()).To(BeTrue())

		Expect(manager.Execute(ctx, nil, noop)).To(Succeed())
		Expect(provider.Connects()).To(Equal(2))
	})

	It("keeps at most MaxIdle sessions", func() {
		cfg.MaxTotal = 4
		cfg.MaxIdle = 1
		manager = session.NewPooled(provider.NewFactory("10.0.0.5:22:deploy"), cfg, nil)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(manager.Execute(ctx, nil, func(transport.Session) error {
					time.Sleep(20 * time.Millisecond)
					return nil
				})).To(Succeed())
			}()
		}
		wg.Wait()

		stats := manager.Stats()
		Expect(stats.Idle).To(Equal(1))
		Expect(stats.Active).To(Equal(0))
		Expect(stats.Destroyed).To(Equal(stats.Created - 1))
	})

	Context("with MinIdle", func() {
		BeforeEach(func() {
			cfg.MinIdle = 3
		})

		It("prewarms idle sessions", func() {
			Expect(manager.Prewarm(ctx)).To(Succeed())
			Expect(provider.Connects()).To(Equal(3))
			Expect(manager.Stats().Idle).To(Equal(3))

			Expect(manager.Execute(ctx, nil, noop)).To(Succeed())
			Expect(provider.Connects()).To(Equal(3))
		})
	})
})

var _ = Describe("Use", func() {
	It("returns the callback's value", func() {
		provider := transporttest.NewProvider()
		manager := session.NewSingleUse(provider.NewFactory("t"), nil)

		id, err := session.Use(context.Background(), manager, nil, func(s transport.Session) (int, error) {
			return s.(*transporttest.Session).ID, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(1))
	})
})
