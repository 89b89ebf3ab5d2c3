package apiclient_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var _ = Describe("Attempt sinks", func() {
	success := apiclient.AttemptRecord{
		RequestID: "req-1",
		Method:    http.MethodGet,
		URL:       "https://api.example.com/items",
		Status:    http.StatusOK,
		Attempt:   1,
		Duration:  12 * time.Millisecond,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	failure := success
	failure.Status = http.StatusServiceUnavailable
	failure.Kind = apiclient.KindServer
	failure.Error = "service unavailable"
	failure.Attempt = 2

	Describe("SlogSink", func() {
		var buf *bytes.Buffer
		var sink *apiclient.SlogSink

		BeforeEach(func() {
			buf = &bytes.Buffer{}
			logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			sink = apiclient.NewSlogSink(logger)
		})

		It("logs successes at debug without an error", func() {
			sink.Record(success)
			out := buf.String()
			Expect(out).To(ContainSubstring("level=DEBUG"))
			Expect(out).To(ContainSubstring("request_id=req-1"))
			Expect(out).To(ContainSubstring("status=200"))
			Expect(out).NotTo(ContainSubstring("kind="))
		})

		It("logs failures at warn with kind and error", func() {
			sink.Record(failure)
			out := buf.String()
			Expect(out).To(ContainSubstring("level=WARN"))
			Expect(out).To(ContainSubstring("kind=server_error"))
			Expect(out).To(ContainSubstring("attempt=2"))
		})

		It("logs cancellations at debug", func() {
			cancelled := success
			cancelled.Kind = apiclient.KindCancelled
			sink.Record(cancelled)
			Expect(buf.String()).To(ContainSubstring("level=DEBUG"))
		})
	})

	Describe("ZerologSink", func() {
		It("writes structured json", func() {
			buf := &bytes.Buffer{}
			sink := apiclient.NewZerologSink(zerolog.New(buf))

			sink.Record(failure)
			out := buf.String()
			Expect(out).To(ContainSubstring(`"level":"warn"`))
			Expect(out).To(ContainSubstring(`"request_id":"req-1"`))
			Expect(out).To(ContainSubstring(`"kind":"server_error"`))
			Expect(out).To(ContainSubstring(`"message":"api request attempt"`))
		})
	})

	Describe("AsyncSink", func() {
		It("delivers buffered records in order before Close returns", func() {
			next := &recordingSink{}
			async := apiclient.NewAsyncSink(next, 16, nil)
			for i := 1; i <= 5; i++ {
				rec := success
				rec.Attempt = i
				async.Record(rec)
			}
			async.Close()

			records := next.getRecords()
			Expect(records).To(HaveLen(5))
			for i, rec := range records {
				Expect(rec.Attempt).To(Equal(i + 1))
			}
		})

		It("drops records instead of blocking when the buffer is full", func() {
			started := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			var mu sync.Mutex
			var delivered int
			blocking := apiclient.AttemptSinkFunc(func(rec apiclient.AttemptRecord) {
				once.Do(func() { close(started) })
				<-release
				mu.Lock()
				delivered++
				mu.Unlock()
			})

			metrics := apiclient.NewMetrics(prometheus.NewRegistry())
			async := apiclient.NewAsyncSink(blocking, 1, metrics)

			async.Record(success)
			Eventually(started).Should(BeClosed())

			done := make(chan struct{})
			go func() {
				defer close(done)
				async.Record(success) // buffered
				async.Record(success) // dropped
			}()
			Eventually(done).Should(BeClosed())
			Expect(testutil.ToFloat64(metrics.DroppedRecordCount())).To(Equal(1.0))

			close(release)
			async.Close()
			mu.Lock()
			defer mu.Unlock()
			Expect(delivered).To(Equal(2))
		})

		It("ignores records after Close and tolerates a second Close", func() {
			next := &recordingSink{}
			async := apiclient.NewAsyncSink(next, 4, nil)
			async.Close()
			async.Record(success)
			async.Close()
			Expect(next.getRecords()).To(BeEmpty())
		})
	})
})
