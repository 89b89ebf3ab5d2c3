package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/oauth2"

	apiclient "github.com/JohnPlummer/jp-go-apiclient"
)

var _ = Describe("HealthStatus", func() {
	Describe("JSON Marshaling", func() {
		It("should marshal to JSON correctly", func() {
			health := apiclient.HealthStatus{
				Healthy:             true,
				Status:              "closed",
				Auth:                "refreshing",
				PendingRefresh:      3,
				Requests:            10,
				TotalSuccesses:      8,
				TotalFailures:       2,
				ConsecutiveFailures: 0,
			}

			data, err := json.Marshal(health)
			Expect(err).To(BeNil())

			var unmarshaled map[string]interface{}
			err = json.Unmarshal(data, &unmarshaled)
			Expect(err).To(BeNil())

			Expect(unmarshaled["healthy"]).To(BeTrue())
			Expect(unmarshaled["status"]).To(Equal("closed"))
			Expect(unmarshaled["auth"]).To(Equal("refreshing"))
			Expect(unmarshaled["pending_refresh"]).To(BeNumerically("==", 3))
			Expect(unmarshaled["requests"]).To(BeNumerically("==", 10))
			Expect(unmarshaled["total_successes"]).To(BeNumerically("==", 8))
			Expect(unmarshaled["total_failures"]).To(BeNumerically("==", 2))
			Expect(unmarshaled["consecutive_failures"]).To(BeNumerically("==", 0))
		})

		It("should unmarshal from JSON correctly", func() {
			jsonData := `{
				"healthy": false,
				"status": "open",
				"auth": "idle",
				"pending_refresh": 0,
				"requests": 5,
				"total_successes": 0,
				"total_failures": 5,
				"consecutive_failures": 5
			}`

			var health apiclient.HealthStatus
			err := json.Unmarshal([]byte(jsonData), &health)
			Expect(err).To(BeNil())

			Expect(health.Healthy).To(BeFalse())
			Expect(health.Status).To(Equal("open"))
			Expect(health.Auth).To(Equal("idle"))
			Expect(health.TotalFailures).To(Equal(uint32(5)))
			Expect(health.ConsecutiveFailures).To(Equal(uint32(5)))
		})
	})

	Describe("Client.Health", func() {
		It("reports an in-flight refresh and its queue", func() {
			release := make(chan struct{})
			refresher := apiclient.RefresherFunc(func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
				<-release
				return &oauth2.Token{AccessToken: "new"}, nil
			})

			transport := &mockTransport{}
			transport.executeFunc = func(ctx context.Context, req *apiclient.TransportRequest) (*apiclient.TransportResponse, error) {
				if req.Header.Get("Authorization") != "Bearer new" {
					return nil, apiclient.NewStatusError(http.StatusUnauthorized, nil)
				}
				return jsonResponse(http.StatusOK, `{}`), nil
			}

			client, err := apiclient.NewClient(
				apiclient.WithBaseURL("https://api.example.com"),
				apiclient.WithTransport(transport),
				apiclient.WithCredentialStore(apiclient.NewMemoryCredentialStore("old", "refresh")),
				apiclient.WithRefresher(refresher),
				apiclient.WithLogger(quietLogger()),
				apiclient.WithAttemptSink(&recordingSink{}),
			)
			Expect(err).NotTo(HaveOccurred())
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			errs := make(chan error, 2)
			send := func() {
				_, err := client.Send(ctx, apiclient.Request{Method: http.MethodGet, Path: "/me"})
				errs <- err
			}

			go send()
			Eventually(func() string { return client.Health().Auth }).Should(Equal("refreshing"))

			go send()
			Eventually(func() int { return client.Health().PendingRefresh }).Should(Equal(1))

			health := client.Health()
			Expect(health.Healthy).To(BeTrue())
			Expect(health.Status).To(Equal("disabled"))

			close(release)
			Expect(<-errs).NotTo(HaveOccurred())
			Expect(<-errs).NotTo(HaveOccurred())

			health = client.Health()
			Expect(health.Auth).To(Equal("idle"))
			Expect(health.PendingRefresh).To(BeZero())
		})
	})
})
