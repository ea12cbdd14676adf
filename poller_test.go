package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	resilience "github.com/stateset/agent-resilience"
)

// healthServer is a scriptable stand-in for the agent API's detailed
// health endpoint.
type healthServer struct {
	mu      sync.Mutex
	status  int
	body    string
	polls   int
	server  *httptest.Server
	lastURL string
}

func newHealthServer() *healthServer {
	hs := &healthServer{status: http.StatusOK, body: healthyBody}
	hs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		hs.polls++
		hs.lastURL = r.URL.Path
		status, body := hs.status, hs.body
		hs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	return hs
}

func (hs *healthServer) respond(status int, body string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.status = status
	hs.body = body
}

func (hs *healthServer) pollCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.polls
}

func (hs *healthServer) url() string {
	return hs.server.URL + "/health/detailed"
}

const healthyBody = `{
	"status": "healthy",
	"version": "1.0.0",
	"checks": {"database": {"status": "healthy"}},
	"circuit_breakers": {"sandbox": "closed", "external_api": "closed"},
	"resilience_healthy": true
}`

const unhealthyBody = `{
	"status": "unhealthy",
	"version": "1.0.0",
	"checks": {"database": {"status": "unhealthy"}},
	"circuit_breakers": {"sandbox": "open"},
	"resilience_healthy": false
}`

var _ = Describe("HealthPoller", func() {
	var (
		hs     *healthServer
		poller *resilience.HealthPoller
		ctx    context.Context
	)

	BeforeEach(func() {
		hs = newHealthServer()
		ctx = context.Background()
		poller = resilience.NewHealthPoller(
			hs.url(),
			resilience.WithPollInterval(20*time.Millisecond),
			resilience.WithPollerLogger(quietLogger()),
		)
	})

	AfterEach(func() {
		poller.Stop()
		hs.server.Close()
	})

	It("reaches connected after a healthy poll", func() {
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() resilience.ConnectionState {
			return poller.Status().State
		}).Should(Equal(resilience.ConnectionConnected))

		report := poller.Report()
		Expect(report).NotTo(BeNil())
		Expect(report.Version).To(Equal("1.0.0"))
		Expect(report.CircuitBreakers["sandbox"]).To(Equal(resilience.RemoteBreakerClosed))
	})

	It("polls the configured path", func() {
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(hs.pollCount).Should(BeNumerically(">=", 2))

		hs.mu.Lock()
		defer hs.mu.Unlock()
		Expect(hs.lastURL).To(Equal("/health/detailed"))
	})

	It("shows error when the report is unhealthy", func() {
		hs.respond(http.StatusOK, unhealthyBody)
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() resilience.ConnectionState {
			return poller.Status().State
		}).Should(Equal(resilience.ConnectionError))

		Expect(poller.Status().Message).To(ContainSubstring("unhealthy"))
	})

	It("shows error when the resilience summary bit is off", func() {
		hs.respond(http.StatusOK, `{"status":"healthy","resilience_healthy":false}`)
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() resilience.ConnectionState {
			return poller.Status().State
		}).Should(Equal(resilience.ConnectionError))
	})

	It("degrades on fetch failure and keeps retrying every tick", func() {
		hs.respond(http.StatusInternalServerError, "boom")
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() resilience.ConnectionState {
			return poller.Status().State
		}).Should(Equal(resilience.ConnectionError))

		polls := hs.pollCount()
		Eventually(hs.pollCount).Should(BeNumerically(">", polls))

		Eventually(func() int {
			return poller.Status().ReconnectAttempt
		}).Should(BeNumerically(">=", 2))
	})

	It("recovers to connected after failures and clears the attempt counter", func() {
		hs.respond(http.StatusServiceUnavailable, "down")
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() int {
			return poller.Status().ReconnectAttempt
		}).Should(BeNumerically(">=", 1))

		hs.respond(http.StatusOK, healthyBody)

		Eventually(func() resilience.ConnectionState {
			return poller.Status().State
		}).Should(Equal(resilience.ConnectionConnected))

		Expect(poller.Status().ReconnectAttempt).To(BeZero())
	})

	It("carries the configured reconnect maximum for display", func() {
		hs.respond(http.StatusInternalServerError, "boom")
		poller = resilience.NewHealthPoller(
			hs.url(),
			resilience.WithPollInterval(20*time.Millisecond),
			resilience.WithMaxReconnectAttempts(10),
			resilience.WithPollerLogger(quietLogger()),
		)
		Expect(poller.Start(ctx)).To(Succeed())

		Eventually(func() int {
			return poller.Status().MaxReconnectAttempts
		}).Should(Equal(10))
	})

	Describe("subscriptions", func() {
		It("notifies on status changes and honors unsubscribe", func() {
			var mu sync.Mutex
			var seen []resilience.ConnectionState

			unsubscribe := poller.OnStatusChange(func(status resilience.ConnectionStatus) {
				mu.Lock()
				seen = append(seen, status.State)
				mu.Unlock()
			})

			Expect(poller.Start(ctx)).To(Succeed())

			Eventually(func() []resilience.ConnectionState {
				mu.Lock()
				defer mu.Unlock()
				return append([]resilience.ConnectionState(nil), seen...)
			}).Should(ContainElement(resilience.ConnectionConnected))

			unsubscribe()
			unsubscribe() // idempotent

			mu.Lock()
			count := len(seen)
			mu.Unlock()

			hs.respond(http.StatusInternalServerError, "boom")

			Consistently(func() int {
				mu.Lock()
				defer mu.Unlock()
				return len(seen)
			}, 100*time.Millisecond).Should(Equal(count))
		})

		It("survives a panicking subscriber", func() {
			poller.OnStatusChange(func(resilience.ConnectionStatus) {
				panic("indicator bug")
			})

			Expect(poller.Start(ctx)).To(Succeed())

			Eventually(func() resilience.ConnectionState {
				return poller.Status().State
			}).Should(Equal(resilience.ConnectionConnected))
		})
	})

	Describe("lifecycle", func() {
		It("rejects a second Start", func() {
			Expect(poller.Start(ctx)).To(Succeed())
			Expect(poller.Start(ctx)).To(HaveOccurred())
		})

		It("stops cleanly and is idempotent", func() {
			Expect(poller.Start(ctx)).To(Succeed())
			poller.Stop()
			poller.Stop()

			polls := hs.pollCount()
			Consistently(hs.pollCount, 80*time.Millisecond).Should(Equal(polls))
		})

		It("tolerates Stop without Start", func() {
			fresh := resilience.NewHealthPoller(hs.url(), resilience.WithPollerLogger(quietLogger()))
			Expect(func() { fresh.Stop() }).NotTo(Panic())
		})

		It("stops when the context is canceled", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			Expect(poller.Start(cancelCtx)).To(Succeed())

			Eventually(hs.pollCount).Should(BeNumerically(">=", 1))
			cancel()

			Eventually(hs.pollCount).Should(BeNumerically(">=", 1))
			polls := hs.pollCount()
			Consistently(hs.pollCount, 80*time.Millisecond).Should(Equal(polls))
		})
	})

	Describe("intra-tick fetch retry", func() {
		It("recovers within a tick when an early attempt fails", func() {
			// First response fails, subsequent ones succeed; with three
			// fetch attempts per tick the first poll still lands
			// connected.
			hs.mu.Lock()
			hs.status = http.StatusInternalServerError
			hs.mu.Unlock()

			poller = resilience.NewHealthPoller(
				hs.url(),
				resilience.WithPollInterval(time.Second),
				resilience.WithFetchRetry(3, 10*time.Millisecond),
				resilience.WithPollerLogger(quietLogger()),
			)

			go func() {
				time.Sleep(15 * time.Millisecond)
				hs.respond(http.StatusOK, healthyBody)
			}()

			Expect(poller.Start(ctx)).To(Succeed())

			Eventually(func() resilience.ConnectionState {
				return poller.Status().State
			}, 2*time.Second).Should(Equal(resilience.ConnectionConnected))

			Expect(poller.Status().ReconnectAttempt).To(BeZero())
		})
	})
})
