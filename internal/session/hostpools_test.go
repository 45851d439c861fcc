package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/session"
	"sshpool/internal/transport"
	"sshpool/internal/transport/transporttest"
)

func newIdentity() *host.Identity {
	return &host.Identity{
		Host:     "10.0.0.5",
		Port:     22,
		Username: "deploy",
		Auth:     host.PasswordAuth("s3cret"),
	}
}

func versioned(v int64) *host.Identity {
	id := newIdentity()
	id.Version = &v
	return id
}

func noop(transport.Session) error { return nil }

var _ = Describe("HostPools", func() {
	var (
		ctx      context.Context
		provider *transporttest.Provider
		pools    *session.HostPools
		cfg      session.PoolConfig
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = transporttest.NewProvider()
		cfg = session.DefaultPoolConfig()
	})

	JustBeforeEach(func() {
		pools = session.NewHostPools(provider, cfg, nil)
	})

	AfterEach(func() {
		Expect(pools.Close()).To(Succeed())
	})

	Context("pool identity", func() {
		It("reuses one pool and one session for sequential borrows", func() {
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())

			Expect(provider.Factories()).To(Equal([]string{"10.0.0.5:22:deploy"}))
			Expect(provider.Connects()).To(Equal(1))
			Expect(pools.Keys()).To(Equal([]string{"10.0.0.5:22:deploy"}))
		})

		It("builds exactly one factory under concurrent first borrows", func() {
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
				}()
			}
			wg.Wait()

			Expect(provider.Factories()).To(HaveLen(1))
		})

		It("keeps separate pools for different stable keys", func() {
			other := newIdentity()
			other.Username = "backup"

			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			Expect(pools.Execute(ctx, other, noop)).To(Succeed())

			Expect(pools.Keys()).To(ConsistOf("10.0.0.5:22:deploy", "10.0.0.5:22:backup"))
		})
	})

	Context("version invalidation", func() {
		It("replaces the pool when the version changes and closes its idle sessions", func() {
			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
			first := provider.Sessions()[0]

			Expect(pools.Execute(ctx, versioned(2), noop)).To(Succeed())

			Expect(provider.Factories()).To(HaveLen(2))
			Expect(first.Closed()).To(BeTrue())
			Expect(provider.Connects()).To(Equal(2))
		})

		It("treats an entry without a version as different", func() {
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())

			Expect(provider.Factories()).To(HaveLen(2))
		})

		It("reuses the entry when the request carries no version", func() {
			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())

			Expect(provider.Factories()).To(HaveLen(1))
		})

		It("lets an in-flight borrow finish on the replaced pool", func() {
			started := make(chan struct{})
			release := make(chan struct{})
			var held transport.Session

			done := make(chan error, 1)
			go func() {
				done <- pools.Execute(ctx, versioned(1), func(s transport.Session) error {
					held = s
					close(started)
					<-release
					return nil
				})
			}()
			<-started

			Expect(pools.Execute(ctx, versioned(2), noop)).To(Succeed())
			close(release)
			Expect(<-done).To(Succeed())

			Expect(held.(*transporttest.Session).Closed()).To(BeTrue())
		})
	})

	Context("secret hygiene", func() {
		It("clears the identity's secrets once the factory is built", func() {
			id := newIdentity()
			password := id.Auth.Password

			Expect(pools.Execute(ctx, id, noop)).To(Succeed())

			Expect(id.Cleared()).To(BeTrue())
			Expect(password).To(Equal(make([]byte, len(password))))
		})

		It("refuses to build a pool from a cleared identity", func() {
			id := newIdentity()
			id.ClearSensitive()

			err := pools.Execute(ctx, id, noop)
			Expect(errors.Is(err, session.ErrIdentityCleared)).To(BeTrue())
			Expect(failure.CategoryOf(err).Retryable()).To(BeFalse())
			Expect(pools.Keys()).To(BeEmpty())
		})

		It("does not keep an entry whose factory failed", func() {
			provider.FactoryErr = errors.New("bad key")
			err := pools.Execute(ctx, newIdentity(), noop)
			Expect(err).To(MatchError(ContainSubstring("bad key")))
			Expect(failure.CategoryOf(err)).To(Equal(failure.AuthenticationFailure))
			Expect(pools.Keys()).To(BeEmpty())
		})

		It("rebuilds from its own factory when invalidated while connecting", func() {
			connecting := make(chan struct{})
			release := make(chan struct{})
			provider.ConnectHook = func(n int) error {
				if n == 1 {
					close(connecting)
					<-release
				}
				return nil
			}

			id := newIdentity()
			done := make(chan error, 1)
			go func() { done <- pools.Execute(ctx, id, noop) }()

			<-connecting
			pools.InvalidateAll()
			close(release)

			Expect(<-done).To(Succeed())
			Expect(id.Cleared()).To(BeTrue())
			Expect(provider.Factories()).To(HaveLen(1))
			Expect(provider.Connects()).To(Equal(2))
			Expect(provider.Sessions()[0].Closed()).To(BeTrue())
			Expect(pools.Keys()).To(Equal([]string{"10.0.0.5:22:deploy"}))
		})

		It("rebuilds from its own factory when a newer version replaces the pool mid-connect", func() {
			connecting := make(chan struct{})
			release := make(chan struct{})
			provider.ConnectHook = func(n int) error {
				if n == 1 {
					close(connecting)
					<-release
				}
				return nil
			}

			done := make(chan error, 1)
			go func() { done <- pools.Execute(ctx, versioned(1), noop) }()

			<-connecting
			Expect(pools.Execute(ctx, versioned(2), noop)).To(Succeed())
			close(release)

			Expect(<-done).To(Succeed())
			Expect(provider.Factories()).To(HaveLen(2))
		})
	})

	Context("bounded use", func() {
		BeforeEach(func() {
			cfg.MaxTotal = 2
			cfg.MaxIdle = 2
		})

		It("never opens more than MaxTotal sessions or shares one concurrently", func() {
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					err := pools.Execute(ctx, versioned(1), func(s transport.Session) error {
						leave := s.(*transporttest.Session).Enter()
						defer leave()
						time.Sleep(20 * time.Millisecond)
						return nil
					})
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(provider.Connects()).To(BeNumerically("<=", 2))
			for _, s := range provider.Sessions() {
				Expect(s.MaxConcurrentUse()).To(Equal(1))
			}
		})

		It("fails with a connection failure when no slot frees within MaxWait", func() {
			cfg.MaxTotal = 1
			cfg.MaxWait = 50 * time.Millisecond
			pools = session.NewHostPools(provider, cfg, nil)

			holding := make(chan struct{})
			release := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				_ = pools.Execute(ctx, versioned(1), func(transport.Session) error {
					close(holding)
					<-release
					return nil
				})
			}()
			<-holding

			err := pools.Execute(ctx, versioned(1), noop)
			close(release)

			Expect(errors.Is(err, failure.ErrPoolExhausted)).To(BeTrue())
			Expect(failure.CategoryOf(err)).To(Equal(failure.ConnectionFailure))
		})

		It("stops waiting when the context ends", func() {
			cfg.MaxTotal = 1
			cfg.MaxWait = 0
			pools = session.NewHostPools(provider, cfg, nil)

			holding := make(chan struct{})
			release := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				_ = pools.Execute(ctx, versioned(1), func(transport.Session) error {
					close(holding)
					<-release
					return nil
				})
			}()
			<-holding
			defer close(release)

			short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			err := pools.Execute(short, versioned(1), noop)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Context("session release", func() {
		It("destroys a session that died during the callback", func() {
			Expect(pools.Execute(ctx, versioned(1), func(s transport.Session) error {
				s.(*transporttest.Session).Kill()
				return errors.New("connection dropped")
			})).To(MatchError("connection dropped"))

			first := provider.Sessions()[0]
			Expect(first.Closed()).To(BeTrue())

			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
			Expect(provider.Connects()).To(Equal(2))
		})

		It("returns a live session after a failed callback", func() {
			Expect(pools.Execute(ctx, versioned(1), func(transport.Session) error {
				return errors.New("remote said no")
			})).To(HaveOccurred())

			stats, ok := pools.Stats("10.0.0.5:22:deploy")
			Expect(ok).To(BeTrue())
			Expect(stats.Idle).To(Equal(1))
			Expect(stats.Active).To(Equal(0))
		})

		It("replaces a dead idle session transparently on borrow", func() {
			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
			provider.Sessions()[0].Kill()

			var used *transporttest.Session
			Expect(pools.Execute(ctx, versioned(1), func(s transport.Session) error {
				used = s.(*transporttest.Session)
				return nil
			})).To(Succeed())

			Expect(used.ID).To(Equal(2))
			Expect(provider.Sessions()[0].Closed()).To(BeTrue())
		})

		It("invalidates the session when the callback panics", func() {
			cfg.MaxTotal = 1
			pools = session.NewHostPools(provider, cfg, nil)

			Expect(func() {
				_ = pools.Execute(ctx, versioned(1), func(transport.Session) error {
					panic("callback bug")
				})
			}).To(PanicWith("callback bug"))

			Expect(provider.Sessions()[0].Closed()).To(BeTrue())
			// the single slot must be free again
			Expect(pools.Execute(ctx, versioned(1), noop)).To(Succeed())
		})
	})

	Context("invalidation", func() {
		It("drops one pool by key", func() {
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			pools.Invalidate("10.0.0.5:22:deploy")

			Expect(provider.Sessions()[0].Closed()).To(BeTrue())
			Expect(pools.Keys()).To(BeEmpty())

			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			Expect(provider.Factories()).To(HaveLen(2))
		})

		It("drops every pool and refuses work after Close", func() {
			other := newIdentity()
			other.Host = "10.0.0.6"
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(Succeed())
			Expect(pools.Execute(ctx, other, noop)).To(Succeed())

			pools.InvalidateAll()
			for _, s := range provider.Sessions() {
				Expect(s.Closed()).To(BeTrue())
			}

			Expect(pools.Close()).To(Succeed())
			Expect(pools.Execute(ctx, newIdentity(), noop)).To(MatchError(session.ErrClosed))
		})
	})

	Context("observability", func() {
		It("reports connects to the sink", func() {
			var rec events.Recorder
			pools = session.NewHostPools(provider, cfg, &rec)

			Expect(pools.Execute(events.WithAlias(ctx, "web"), newIdentity(), noop)).To(Succeed())

			Expect(rec.Count(events.Start)).To(Equal(1))
			Expect(rec.Count(events.Finish)).To(Equal(1))
			ev := rec.Events()[1]
			Expect(ev.Metric).To(Equal(events.MetricSessionConnect))
			Expect(ev.Alias).To(Equal("web"))
		})
	})
})
