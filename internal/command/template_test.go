package command_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sshpool/internal/command"
	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/host"
	"sshpool/internal/retry"
	"sshpool/internal/session"
	"sshpool/internal/transport/transporttest"
)

var _ = Describe("Template", func() {
	var (
		ctx      context.Context
		provider *transporttest.Provider
		manager  *session.Pooled
		rec      *events.Recorder
		strategy retry.Strategy
		tmpl     *command.Template
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = transporttest.NewProvider()
		rec = &events.Recorder{}
		strategy = retry.NewExponentialBackoff(2, 10*time.Millisecond, 2)
	})

	JustBeforeEach(func() {
		manager = session.NewPooled(provider.NewFactory("10.0.0.5:22:deploy"), session.DefaultPoolConfig(), nil)
		tmpl = command.New(manager, command.WithRetry(strategy), command.WithEvents(rec), command.WithAlias("web"))
	})

	AfterEach(func() {
		Expect(manager.Close()).To(Succeed())
	})

	It("captures output and exit status", func() {
		provider.Exec = func(cmd string) transporttest.Outcome {
			return transporttest.Outcome{Stdout: "Linux\n", Stderr: "warn\n"}
		}

		res, err := tmpl.Execute(ctx, nil, command.NewRequest("uname"))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Stdout).To(Equal("Linux\n"))
		Expect(res.Stderr).To(Equal("warn\n"))
		Expect(res.ExitCode).To(Equal(0))
		Expect(res.Success()).To(BeTrue())
		Expect(res.Attempts).To(Equal(1))
		Expect(res.FinishedAt).NotTo(BeTemporally("<", res.StartedAt))

		Expect(rec.Count(events.Start)).To(Equal(1))
		Expect(rec.Count(events.Finish)).To(Equal(1))
		last := rec.Events()[1]
		Expect(last.Metric).To(Equal(events.MetricExec))
		Expect(last.Alias).To(Equal("web"))
		Expect(*last.ExitCode).To(Equal(0))
	})

	It("applies environment and pty settings", func() {
		req := command.NewRequest("env")
		req.Env = map[string]string{"LANG": "C", "TERM": "dumb"}
		req.Pty = true
		req.PtyType = "xterm"

		res, err := tmpl.Execute(ctx, nil, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Env).To(Equal(req.Env))

		calls := provider.ExecCalls()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Env).To(Equal(map[string]string{"LANG": "C", "TERM": "dumb"}))
		Expect(calls[0].Pty).To(BeTrue())
		Expect(calls[0].PtyType).To(Equal("xterm"))
	})

	It("rejects an empty command", func() {
		_, err := tmpl.Execute(ctx, nil, command.Request{})
		Expect(err).To(HaveOccurred())
		Expect(provider.Connects()).To(Equal(0))
	})

	Context("non-zero exit", func() {
		BeforeEach(func() {
			provider.Exec = func(string) transporttest.Outcome {
				return transporttest.Outcome{ExitCode: 2, Stderr: "nope"}
			}
		})

		It("retries an idempotent command and returns the last result", func() {
			res, err := tmpl.Execute(ctx, nil, command.NewRequest("false"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ExitCode).To(Equal(2))
			Expect(res.Attempts).To(Equal(3))
			Expect(provider.ExecCalls()).To(HaveLen(3))

			Expect(rec.Count(events.Failure)).To(Equal(2))
			Expect(rec.Count(events.Finish)).To(Equal(1))
		})

		It("runs a non-idempotent command once", func() {
			req := command.NewRequest("deploy")
			req.Idempotent = false

			res, err := tmpl.Execute(ctx, nil, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ExitCode).To(Equal(2))
			Expect(res.Attempts).To(Equal(1))
			Expect(provider.ExecCalls()).To(HaveLen(1))
		})

		It("stops once the command succeeds", func() {
			n := 0
			provider.Exec = func(string) transporttest.Outcome {
				n++
				if n < 2 {
					return transporttest.Outcome{ExitCode: 1}
				}
				return transporttest.Outcome{Stdout: "ok"}
			}

			res, err := tmpl.Execute(ctx, nil, command.NewRequest("flaky"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Stdout).To(Equal("ok"))
			Expect(res.Attempts).To(Equal(2))
		})
	})

	Context("transport failures", func() {
		BeforeEach(func() {
			strategy = retry.NewExponentialBackoff(2, 200*time.Millisecond, 2)
			provider.ConnectHook = func(int) error { return errors.New("dial tcp 10.0.0.5:22: connection refused") }
		})

		It("attempts an idempotent command three times with growing delays", func() {
			start := time.Now()
			_, err := tmpl.Execute(ctx, nil, command.NewRequest("uptime"))
			elapsed := time.Since(start)

			Expect(err).To(HaveOccurred())
			Expect(provider.Connects()).To(Equal(3))
			Expect(elapsed).To(BeNumerically(">=", 600*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 1500*time.Millisecond))

			var fe *failure.Error
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Category).To(Equal(failure.ConnectionFailure))
			Expect(fe.Attempts).To(Equal(3))
			Expect(fe.Host).To(Equal("web"))
		})

		It("attempts a non-idempotent command once", func() {
			req := command.NewRequest("rm -rf /srv/app/releases/old")
			req.Idempotent = false

			_, err := tmpl.Execute(ctx, nil, req)
			Expect(err).To(HaveOccurred())
			Expect(provider.Connects()).To(Equal(1))
		})

		It("does not retry authentication failures", func() {
			provider.ConnectHook = func(int) error { return errors.New("ssh: unable to authenticate, attempted methods [none password]") }

			_, err := tmpl.Execute(ctx, nil, command.NewRequest("uptime"))
			Expect(failure.CategoryOf(err)).To(Equal(failure.AuthenticationFailure))
			Expect(provider.Connects()).To(Equal(1))
		})

		It("recovers when the connection comes back", func() {
			provider.ConnectHook = func(n int) error {
				if n == 1 {
					return errors.New("connection reset by peer")
				}
				return nil
			}

			res, err := tmpl.Execute(ctx, nil, command.NewRequest("uptime"))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Attempts).To(Equal(2))
		})

		It("gives up during backoff when the context is cancelled", func() {
			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := tmpl.Execute(short, nil, command.NewRequest("uptime"))
			Expect(time.Since(start)).To(BeNumerically("<", 200*time.Millisecond))
			Expect(failure.CategoryOf(err)).To(Equal(failure.Interrupted))
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})

	Context("timeout", func() {
		BeforeEach(func() {
			provider.Exec = func(string) transporttest.Outcome {
				return transporttest.Outcome{Stdout: "partial", Delay: 10 * time.Second}
			}
		})

		It("force-closes the channel and reports a timed-out result", func() {
			req := command.NewRequest("sleep 10")
			req.Timeout = 500 * time.Millisecond

			start := time.Now()
			res, err := tmpl.Execute(ctx, nil, req)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			Expect(elapsed).To(BeNumerically(">=", 500*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 700*time.Millisecond))
			Expect(res.TimedOut).To(BeTrue())
			Expect(res.ExitCode).To(Equal(-1))
			Expect(res.Success()).To(BeFalse())
			Expect(res.Attempts).To(Equal(1))
			Expect(res.Stdout).To(Equal("partial"))

			execs := provider.Execs()
			Expect(execs).To(HaveLen(1))
			Expect(execs[0].IsClosed()).To(BeTrue())

			Expect(rec.Count(events.Failure)).To(Equal(1))
		})

		It("keeps the session for the next command", func() {
			req := command.NewRequest("sleep 10")
			req.Timeout = 20 * time.Millisecond
			_, err := tmpl.Execute(ctx, nil, req)
			Expect(err).NotTo(HaveOccurred())

			provider.Exec = nil
			_, err = tmpl.Execute(ctx, nil, command.NewRequest("true"))
			Expect(err).NotTo(HaveOccurred())
			Expect(provider.Connects()).To(Equal(1))
		})

		It("stops when the caller's context ends", func() {
			short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()

			_, err := tmpl.Execute(short, nil, command.NewRequest("sleep 10"))
			Expect(failure.CategoryOf(err)).To(Equal(failure.Interrupted))
			Expect(provider.Execs()[0].IsClosed()).To(BeTrue())
		})
	})
})

var _ = Describe("Template on host pools", func() {
	It("keeps the root cause when the session factory cannot be built", func() {
		provider := transporttest.NewProvider()
		provider.FactoryErr = errors.New("ssh: no key found")
		pools := session.NewHostPools(provider, session.DefaultPoolConfig(), nil)
		defer pools.Close()

		tmpl := command.New(pools, command.WithRetry(retry.NewExponentialBackoff(2, time.Millisecond, 2)))
		id := &host.Identity{Host: "10.0.0.5", Port: 22, Username: "deploy", Auth: host.KeyFileAuth("/keys/deploy", "")}

		_, err := tmpl.Execute(context.Background(), id, command.NewRequest("uptime"))
		Expect(err).To(MatchError(ContainSubstring("ssh: no key found")))
		Expect(errors.Is(err, session.ErrIdentityCleared)).To(BeFalse())

		var fe *failure.Error
		Expect(errors.As(err, &fe)).To(BeTrue())
		Expect(fe.Attempts).To(Equal(1))
		Expect(fe.Category.Retryable()).To(BeFalse())
		Expect(provider.Connects()).To(Equal(0))
	})
})
