package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/branchrelay/pkg/llm"
	"github.com/papercomputeco/branchrelay/pkg/metrics"
	"github.com/papercomputeco/branchrelay/pkg/relay"
)

// sseHandler writes each line followed by a newline, flushing as it goes.
func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

func frame(text string) string {
	return `data: {"choices":[{"delta":{"content":` + mustJSON(text) + `}}]}`
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

type failingWriter struct {
	writes int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("caller went away")
}

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		upstream  *httptest.Server
		handler   http.HandlerFunc
		collector *metrics.Collector
		client    *relay.Client
	)

	BeforeEach(func() {
		ctx = context.Background()
		collector = metrics.NewCollector(nil)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler(w, r)
		}))
		client = relay.New(relay.Config{
			BaseURL: upstream.URL + "/",
			APIKey:  "sk-test",
			Model:   "test-model",
			Timeout: 10 * time.Second,
		}, zap.NewNop(), collector)
	})

	AfterEach(func() {
		upstream.Close()
	})

	readAll := func(stream *relay.Stream) string {
		defer stream.Close()
		var buf bytes.Buffer
		_, err := stream.WriteTo(&buf)
		Expect(err).NotTo(HaveOccurred())
		return buf.String()
	}

	Describe("request construction", func() {
		It("sends the fixed generation parameters with a bearer credential", func() {
			var (
				gotPath string
				gotAuth string
				gotBody llm.ChatRequest
			)
			handler = func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				Expect(json.NewDecoder(r.Body).Decode(&gotBody)).To(Succeed())
				sseHandler("data: [DONE]")(w, r)
			}

			msgs := []llm.Message{{Role: "user", Content: "hello"}}
			stream, err := client.Open(ctx, msgs)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(BeEmpty())

			Expect(gotPath).To(Equal("/chat/completions"))
			Expect(gotAuth).To(Equal("Bearer sk-test"))
			Expect(gotBody.Model).To(Equal("test-model"))
			Expect(gotBody.Temperature).To(Equal(0.2))
			Expect(gotBody.MaxTokens).To(Equal(800))
			Expect(gotBody.Stream).To(BeTrue())
			Expect(gotBody.DecodeMessages()).To(Equal(msgs))
		})

		It("forwards raw messages byte for byte", func() {
			var gotBody llm.ChatRequest
			handler = func(w http.ResponseWriter, r *http.Request) {
				Expect(json.NewDecoder(r.Body).Decode(&gotBody)).To(Succeed())
				sseHandler("data: [DONE]")(w, r)
			}

			raw := json.RawMessage(`{"role":"user","content":[{"type":"text","text":"hi"}],"name":"ann"}`)
			stream, err := client.OpenRaw(ctx, []json.RawMessage{raw})
			Expect(err).NotTo(HaveOccurred())
			stream.Close()

			Expect(gotBody.Messages).To(HaveLen(1))
			Expect(string(gotBody.Messages[0])).To(MatchJSON(string(raw)))
		})

		It("sends an empty array rather than null for no messages", func() {
			var raw map[string]json.RawMessage
			handler = func(w http.ResponseWriter, r *http.Request) {
				Expect(json.NewDecoder(r.Body).Decode(&raw)).To(Succeed())
				sseHandler("data: [DONE]")(w, r)
			}

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			stream.Close()
			Expect(string(raw["messages"])).To(Equal("[]"))
		})
	})

	Describe("successful streams", func() {
		It("emits the concatenated deltas and stops at [DONE]", func() {
			handler = sseHandler(
				`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
				`data: {"choices":[{"delta":{"content":" there"}}]}`,
				`data: [DONE]`,
				frame(" never sent"),
			)

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("Hi there"))
		})

		It("skips malformed frames without truncating the output", func() {
			handler = sseHandler(
				frame("one"),
				`data: {not json`,
				"",
				frame(" two"),
				`data: {"choices":[{"delta":{"content":5}}]}`,
				`data: {"choices":[]}`,
				frame(" three"),
				`data: [DONE]`,
			)

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("one two three"))
			Expect(testutilCount(collector, "branchrelay_skipped_frames_total")).To(Equal(2.0))
		})

		It("ignores lines without the data prefix", func() {
			handler = sseHandler(
				": keep-alive",
				"event: message",
				`{"choices":[{"delta":{"content":"bare"}}]}`,
				frame("kept"),
				"data: [DONE]",
			)

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("kept"))
		})

		It("ends cleanly when upstream closes without a sentinel", func() {
			handler = sseHandler(frame("partial"), frame(" answer"))

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("partial answer"))
		})

		It("handles CRLF line endings and a final line without newline", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, frame("a")+"\r\n\r\n"+frame("b"))
			}

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("ab"))
		})

		It("returns io.EOF from Next once finished", func() {
			handler = sseHandler(frame("x"), "data: [DONE]")

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			text, err := stream.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("x"))

			_, err = stream.Next()
			Expect(err).To(MatchError(io.EOF))
			_, err = stream.Next()
			Expect(err).To(MatchError(io.EOF))
		})

		It("stops at the first write error", func() {
			handler = sseHandler(frame("a"), frame("b"), frame("c"), "data: [DONE]")

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			w := &failingWriter{}
			_, err = stream.WriteTo(w)
			Expect(err).To(MatchError("caller went away"))
			Expect(w.writes).To(Equal(1))
		})

		It("preserves unicode deltas byte for byte", func() {
			handler = sseHandler(frame("héllo "), frame("世界"), "data: [DONE]")

			stream, err := client.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("héllo 世界"))
		})
	})

	Describe("upstream rejections", func() {
		It("flattens the nested error message and keeps the status", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				io.WriteString(w, `{"error":{"message":"rate limited","type":"tokens"}}`)
			}

			stream, err := client.Open(ctx, nil)
			Expect(stream).To(BeNil())

			var upstreamErr *relay.UpstreamError
			Expect(errors.As(err, &upstreamErr)).To(BeTrue())
			Expect(upstreamErr.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(string(upstreamErr.Body)).To(Equal(`{"error":"rate limited"}`))
		})

		It("wraps a plain text body", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				io.WriteString(w, "bad gateway")
			}

			_, err := client.Open(ctx, nil)

			var upstreamErr *relay.UpstreamError
			Expect(errors.As(err, &upstreamErr)).To(BeTrue())
			Expect(upstreamErr.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(string(upstreamErr.Body)).To(Equal(`{"error":"bad gateway"}`))
		})

		It("does not stream a 200-less success such as 201", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
			}

			_, err := client.Open(ctx, nil)

			var upstreamErr *relay.UpstreamError
			Expect(errors.As(err, &upstreamErr)).To(BeTrue())
			Expect(upstreamErr.StatusCode).To(Equal(http.StatusCreated))
		})
	})

	Describe("timeouts", func() {
		var fastClient *relay.Client

		BeforeEach(func() {
			fastClient = relay.New(relay.Config{
				BaseURL: upstream.URL,
				APIKey:  "sk-test",
				Model:   "test-model",
				Timeout: 300 * time.Millisecond,
			}, zap.NewNop(), nil)
		})

		It("lets a steady stream run longer than the timeout", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				for i := 0; i < 6; i++ {
					io.WriteString(w, frame("x")+"\n")
					w.(http.Flusher).Flush()
					time.Sleep(100 * time.Millisecond)
				}
				io.WriteString(w, "data: [DONE]\n")
			}

			stream, err := fastClient.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(readAll(stream)).To(Equal("xxxxxx"))
		})

		It("cuts a stream that goes quiet for longer than the timeout", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, frame("first")+"\n")
				w.(http.Flusher).Flush()
				<-r.Context().Done()
			}

			stream, err := fastClient.Open(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			defer stream.Close()

			text, err := stream.Next()
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("first"))

			started := time.Now()
			_, err = stream.Next()
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(io.EOF))
			Expect(time.Since(started)).To(BeNumerically("<", 3*time.Second))
		})

		It("fails with a NetworkError when response headers never arrive", func() {
			handler = func(w http.ResponseWriter, r *http.Request) {
				<-r.Context().Done()
			}

			_, err := fastClient.Open(ctx, nil)

			var netErr *relay.NetworkError
			Expect(errors.As(err, &netErr)).To(BeTrue())
		})
	})

	Describe("network failures", func() {
		It("returns a NetworkError mapped to 502", func() {
			upstream.Close()

			_, err := client.Open(ctx, nil)

			var netErr *relay.NetworkError
			Expect(errors.As(err, &netErr)).To(BeTrue())
			Expect(netErr.StatusCode()).To(Equal(http.StatusBadGateway))
			Expect(netErr.Error()).To(HavePrefix("Network error contacting upstream: "))
		})

		It("returns a NetworkError when the context is already cancelled", func() {
			handler = sseHandler("data: [DONE]")
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := client.Open(cancelled, nil)

			var netErr *relay.NetworkError
			Expect(errors.As(err, &netErr)).To(BeTrue())
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})
})

var _ = Describe("FlattenErrorBody", func() {
	DescribeTable("flattening",
		func(body, expected string) {
			Expect(string(relay.FlattenErrorBody([]byte(body)))).To(Equal(expected))
		},
		Entry("nested message", `{"error":{"message":"bad key"}}`, `{"error":"bad key"}`),
		Entry("flat error is kept", `{"error":"already flat"}`, `{"error":"already flat"}`),
		Entry("other JSON is kept", ` {"detail":"nope"} `, `{"detail":"nope"}`),
		Entry("nested error without message is kept", `{"error":{"code":1}}`, `{"error":{"code":1}}`),
		Entry("plain text", "upstream exploded", `{"error":"upstream exploded"}`),
		Entry("empty body", "", `{"error":"Unknown error from upstream"}`),
	)
})

func testutilCount(collector *metrics.Collector, name string) float64 {
	families, err := collector.Registry().Gather()
	Expect(err).NotTo(HaveOccurred())
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return 0
}
