package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sshpool/internal/events"
	"sshpool/internal/failure"
	"sshpool/internal/retry"
	"sshpool/internal/session"
	"sshpool/internal/transfer"
	"sshpool/internal/transport/transporttest"
)

var (
	connLost   = transporttest.Status(uint32(sftp.ErrSSHFxConnectionLost))
	permDenied = transporttest.Status(uint32(sftp.ErrSSHFxPermissionDenied))
)

func countOps(fs *transporttest.FS, op string) int {
	n := 0
	for _, o := range fs.Ops() {
		if strings.HasPrefix(o, op+" ") {
			n++
		}
	}
	return n
}

func tempFiles(fs *transporttest.FS) []string {
	var out []string
	for _, p := range fs.Paths() {
		if strings.Contains(p, "/.tmp-") {
			out = append(out, p)
		}
	}
	return out
}

// onceReader hides the Seeker of the wrapped reader
type onceReader struct{ r io.Reader }

func (o onceReader) Read(p []byte) (int, error) { return o.r.Read(p) }

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

var _ = Describe("Template", func() {
	var (
		ctx      context.Context
		provider *transporttest.Provider
		fs       *transporttest.FS
		manager  *session.Pooled
		rec      *events.Recorder
		strategy retry.Strategy
		tmpl     *transfer.Template
	)

	BeforeEach(func() {
		ctx = context.Background()
		provider = transporttest.NewProvider()
		fs = provider.FS
		rec = &events.Recorder{}
		strategy = retry.NewExponentialBackoff(2, 10*time.Millisecond, 2)
	})

	JustBeforeEach(func() {
		manager = session.NewPooled(provider.NewFactory("10.0.0.5:22:deploy"), session.DefaultPoolConfig(), nil)
		tmpl = transfer.New(manager, transfer.WithRetry(strategy), transfer.WithEvents(rec), transfer.WithAlias("web"))
	})

	AfterEach(func() {
		Expect(manager.Close()).To(Succeed())
	})

	Context("directory operations", func() {
		It("creates, lists and deletes", func() {
			fs.MkdirAll("/srv")
			fs.WriteFile("/srv/a.txt", []byte("abc"))

			Expect(tmpl.Mkdir(ctx, nil, "/srv/releases")).To(Succeed())

			entries, err := tmpl.List(ctx, nil, "/srv")
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Name).To(Equal("a.txt"))
			Expect(entries[0].Size).To(BeEquivalentTo(3))
			Expect(entries[1].Name).To(Equal("releases"))
			Expect(entries[1].IsDir).To(BeTrue())

			Expect(tmpl.Delete(ctx, nil, "/srv/releases")).To(Succeed())
			Expect(fs.Exists("/srv/releases")).To(BeFalse())

			Expect(rec.Count(events.Finish)).To(Equal(3))
			Expect(rec.Events()[0].Metric).To(Equal(events.MetricSFTP))
		})

		It("reports missing paths without retrying", func() {
			_, err := tmpl.List(ctx, nil, "/nope")
			Expect(failure.CategoryOf(err)).To(Equal(failure.NoSuchFile))
			Expect(countOps(fs, "readdir")).To(Equal(1))

			var fe *failure.Error
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Op).To(Equal("list"))
			Expect(fe.Host).To(Equal("web"))
		})

		It("stats a file", func() {
			fs.WriteFile("/etc/motd", []byte("hello"))
			entry, err := tmpl.Stat(ctx, nil, "/etc/motd")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.Name).To(Equal("motd"))
			Expect(entry.Size).To(BeEquivalentTo(5))
		})
	})

	Context("rename", func() {
		BeforeEach(func() {
			fs.WriteFile("/tmp/x", []byte("new"))
			fs.WriteFile("/final/y", []byte("old"))
		})

		It("replaces an existing target when overwrite is set", func() {
			Expect(tmpl.Rename(ctx, nil, "/tmp/x", "/final/y", true)).To(Succeed())

			data, ok := fs.ReadFile("/final/y")
			Expect(ok).To(BeTrue())
			Expect(string(data)).To(Equal("new"))
			Expect(fs.Exists("/tmp/x")).To(BeFalse())
		})

		It("fails with AlreadyExists and leaves both paths when overwrite is off", func() {
			err := tmpl.Rename(ctx, nil, "/tmp/x", "/final/y", false)
			Expect(failure.CategoryOf(err)).To(Equal(failure.AlreadyExists))
			Expect(errors.Is(err, failure.ErrAlreadyExists)).To(BeTrue())

			data, _ := fs.ReadFile("/final/y")
			Expect(string(data)).To(Equal("old"))
			Expect(fs.Exists("/tmp/x")).To(BeTrue())
		})

		It("renames onto a free path directly", func() {
			Expect(tmpl.Rename(ctx, nil, "/tmp/x", "/final/z", false)).To(Succeed())
			Expect(fs.Exists("/final/z")).To(BeTrue())
			Expect(countOps(fs, "remove")).To(Equal(0))
		})

		It("propagates the original failure when the target is missing", func() {
			err := tmpl.Rename(ctx, nil, "/tmp/missing", "/final/z", true)
			Expect(failure.CategoryOf(err)).To(Equal(failure.NoSuchFile))
		})
	})

	Context("upload", func() {
		BeforeEach(func() {
			fs.MkdirAll("/srv/app")
		})

		It("writes atomically and applies the mode", func() {
			fs.WriteFile("/srv/app/config.yaml", []byte("old"))
			opts := transfer.DefaultOptions()
			opts.Mode = 0600

			Expect(tmpl.Upload(ctx, nil, []byte("new: true\n"), "/srv/app/config.yaml", opts)).To(Succeed())

			data, _ := fs.ReadFile("/srv/app/config.yaml")
			Expect(string(data)).To(Equal("new: true\n"))
			Expect(fs.Mode("/srv/app/config.yaml")).To(BeEquivalentTo(0600))
			Expect(tempFiles(fs)).To(BeEmpty())

			var created string
			for _, op := range fs.Ops() {
				if strings.HasPrefix(op, "create ") {
					created = strings.TrimPrefix(op, "create ")
				}
			}
			Expect(created).To(HavePrefix("/srv/app/.tmp-config.yaml."))
		})

		It("leaves the original untouched when the rename fails", func() {
			fs.WriteFile("/srv/app/config.yaml", []byte("old"))
			fs.SetHook(func(op, p string, _ <-chan struct{}) error {
				if op == "rename" || (op == "remove" && p == "/srv/app/config.yaml") {
					return permDenied
				}
				return nil
			})

			err := tmpl.Upload(ctx, nil, []byte("new"), "/srv/app/config.yaml", transfer.DefaultOptions())
			Expect(failure.CategoryOf(err)).To(Equal(failure.PermissionDenied))

			data, _ := fs.ReadFile("/srv/app/config.yaml")
			Expect(string(data)).To(Equal("old"))
			Expect(tempFiles(fs)).To(BeEmpty())
		})

		It("removes the partial temp file when the write fails", func() {
			fs.WriteFile("/srv/app/config.yaml", []byte("old"))
			fs.SetHook(func(op, _ string, _ <-chan struct{}) error {
				if op == "write" {
					return permDenied
				}
				return nil
			})

			err := tmpl.Upload(ctx, nil, []byte("new"), "/srv/app/config.yaml", transfer.DefaultOptions())
			Expect(err).To(HaveOccurred())
			data, _ := fs.ReadFile("/srv/app/config.yaml")
			Expect(string(data)).To(Equal("old"))
			Expect(tempFiles(fs)).To(BeEmpty())
		})

		It("refuses to replace a file when overwrite is off", func() {
			fs.WriteFile("/srv/app/config.yaml", []byte("old"))
			opts := transfer.DefaultOptions()
			opts.Overwrite = false

			err := tmpl.Upload(ctx, nil, []byte("new"), "/srv/app/config.yaml", opts)
			Expect(failure.CategoryOf(err)).To(Equal(failure.AlreadyExists))
			data, _ := fs.ReadFile("/srv/app/config.yaml")
			Expect(string(data)).To(Equal("old"))
			Expect(tempFiles(fs)).To(BeEmpty())
		})

		Context("non-atomic", func() {
			var opts transfer.Options

			BeforeEach(func() {
				opts = transfer.Options{Atomic: false, Overwrite: false}
			})

			It("checks for an existing file first", func() {
				fs.WriteFile("/srv/app/run.sh", []byte("old"))
				err := tmpl.Upload(ctx, nil, []byte("new"), "/srv/app/run.sh", opts)
				Expect(failure.CategoryOf(err)).To(Equal(failure.AlreadyExists))
				Expect(countOps(fs, "create")).To(Equal(0))
			})

			It("writes in place when the file is missing", func() {
				Expect(tmpl.Upload(ctx, nil, []byte("#!/bin/sh\n"), "/srv/app/run.sh", opts)).To(Succeed())
				data, _ := fs.ReadFile("/srv/app/run.sh")
				Expect(string(data)).To(Equal("#!/bin/sh\n"))
				Expect(countOps(fs, "rename")).To(Equal(0))
			})
		})

		It("rewinds a seekable reader between attempts", func() {
			fs.FailOn("write", connLost, 1)

			err := tmpl.UploadFrom(ctx, nil, strings.NewReader("payload"), "/srv/app/blob", transfer.DefaultOptions())
			Expect(err).NotTo(HaveOccurred())
			data, _ := fs.ReadFile("/srv/app/blob")
			Expect(string(data)).To(Equal("payload"))
			Expect(countOps(fs, "create")).To(Equal(2))
		})

		It("tries a one-shot stream once", func() {
			fs.FailOn("write", connLost, 1)

			r := onceReader{r: strings.NewReader("payload")}
			err := tmpl.UploadFrom(ctx, nil, r, "/srv/app/blob", transfer.DefaultOptions())
			Expect(failure.CategoryOf(err)).To(Equal(failure.ConnectionFailure))
			Expect(countOps(fs, "create")).To(Equal(1))
			Expect(rec.Events()[len(rec.Events())-1].Idempotent).To(BeFalse())
		})
	})

	Context("retries", func() {
		BeforeEach(func() {
			strategy = retry.NewExponentialBackoff(2, 200*time.Millisecond, 2)
		})

		It("attempts an idempotent operation three times with growing delays", func() {
			fs.SetHook(func(op, _ string, _ <-chan struct{}) error {
				if op == "mkdir" {
					return connLost
				}
				return nil
			})

			start := time.Now()
			err := tmpl.Mkdir(ctx, nil, "/srv")
			elapsed := time.Since(start)

			Expect(countOps(fs, "mkdir")).To(Equal(3))
			Expect(elapsed).To(BeNumerically(">=", 600*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 1500*time.Millisecond))

			var fe *failure.Error
			Expect(errors.As(err, &fe)).To(BeTrue())
			Expect(fe.Attempts).To(Equal(3))
			Expect(fe.Category).To(Equal(failure.ConnectionFailure))

			Expect(rec.Count(events.Failure)).To(Equal(3))
		})

		It("succeeds once the failure clears", func() {
			fs.FailOn("mkdir", connLost, 1)
			Expect(tmpl.Mkdir(ctx, nil, "/srv")).To(Succeed())
			Expect(countOps(fs, "mkdir")).To(Equal(2))
		})
	})

	Context("download", func() {
		BeforeEach(func() {
			fs.WriteFile("/var/log/app.log", bytes.Repeat([]byte("x"), 100*1024))
		})

		It("reads the whole file", func() {
			data, err := tmpl.Download(ctx, nil, "/var/log/app.log")
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveLen(100 * 1024))
		})

		It("retries a stream that has not delivered anything", func() {
			fs.FailOn("open", connLost, 1)

			var buf bytes.Buffer
			Expect(tmpl.DownloadTo(ctx, nil, "/var/log/app.log", &buf)).To(Succeed())
			Expect(buf.Len()).To(Equal(100 * 1024))
		})

		It("does not retry once bytes reached the writer", func() {
			var reads atomic.Int32
			fs.SetHook(func(op, _ string, _ <-chan struct{}) error {
				if op == "read" && reads.Add(1) == 2 {
					return connLost
				}
				return nil
			})

			var buf bytes.Buffer
			err := tmpl.DownloadTo(ctx, nil, "/var/log/app.log", &buf)
			Expect(failure.CategoryOf(err)).To(Equal(failure.ConnectionFailure))
			Expect(buf.Len()).To(BeNumerically(">", 0))
			Expect(countOps(fs, "open")).To(Equal(1))
		})

		It("classifies a failing local writer", func() {
			err := tmpl.DownloadTo(ctx, nil, "/var/log/app.log", brokenWriter{})
			Expect(failure.CategoryOf(err)).To(Equal(failure.LocalIOFailure))
			Expect(countOps(fs, "open")).To(Equal(1))
		})

		It("closes the channel when the context ends", func() {
			fs.SetHook(func(op, _ string, closed <-chan struct{}) error {
				if op == "read" {
					<-closed
				}
				return nil
			})

			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := tmpl.Download(short, nil, "/var/log/app.log")
			Expect(time.Since(start)).To(BeNumerically("<", 500*time.Millisecond))
			Expect(failure.CategoryOf(err)).To(Equal(failure.Interrupted))
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})
	})
})
