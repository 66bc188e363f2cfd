//go:build integration

package integration

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/config"
	"github.com/eliteGoblin/focusd/web_mon/internal/control"
	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/infra"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/usecase"
)

const credential = "correct horse battery"

type nopTrust struct{}

func (nopTrust) Install(ctx context.Context, certPath string, certPEM []byte) error { return nil }
func (nopTrust) Contains(ctx context.Context, certPath string, certPEM []byte) bool  { return false }

func proxyClient(port int, roots *x509.CertPool) *http.Client {
	proxyURL := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
	}
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

var _ = Describe("Enforcement engine", func() {
	var (
		tmpDir  string
		store   *infra.EncryptedStore
		engine  *usecase.Engine
		ctl     *httptest.Server
		client  *control.Client
		done    chan error
		stopped bool
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "webmon-integration-*")
		Expect(err).NotTo(HaveOccurred())

		hosts := filepath.Join(tmpDir, "hosts")
		Expect(os.WriteFile(hosts, []byte("127.0.0.1 localhost\n"), 0644)).To(Succeed())

		cfg := config.DefaultConfig()
		cfg.Proxy.HTTPPort = 0
		cfg.Proxy.HTTPSPort = 0
		cfg.Proxy.ShutdownGrace = 200 * time.Millisecond
		cfg.Security.HostsFile = hosts
		cfg.Security.ScanInterval = time.Hour
		cfg.Store.RefreshInterval = time.Hour

		store, err = infra.OpenStore(filepath.Join(tmpDir, "data"), infra.NewProcessManager())
		Expect(err).NotTo(HaveOccurred())

		creds := infra.NewCredentialStore(store)
		Expect(creds.SetCredential("", credential)).To(Succeed())

		engine, err = usecase.NewEngine(&cfg, filepath.Join(tmpDir, "data", "ca"), usecase.EngineDeps{
			Store:    store,
			Audit:    store,
			Verifier: creds,
			Trust:    nopTrust{},
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		done = make(chan error, 1)
		stopped = false
		go func() { done <- engine.Run(context.Background()) }()
		Eventually(func() bool { return engine.ProxyStatus().Running }, 5*time.Second).Should(BeTrue())

		ctl = httptest.NewServer(control.NewAPI(engine, engine.Metrics().Handler(), zap.NewNop()))
		client = control.NewClient(ctl.URL)
	})

	AfterEach(func() {
		if !stopped {
			Expect(engine.Shutdown(context.Background(), credential)).To(Succeed())
			Eventually(done, 10*time.Second).Should(Receive())
		}
		ctl.Close()
		store.Close()
		os.RemoveAll(tmpDir)
	})

	httpPort := func() int { return engine.ProxyStatus().BoundPorts[0] }
	httpsPort := func() int { return engine.ProxyStatus().BoundPorts[1] }

	Describe("plain HTTP", func() {
		It("serves the block page for a listed domain and its subdomains", func() {
			ctx := context.Background()
			_, err := client.AddRule(ctx, control.RuleRequest{Pattern: "tieba.baidu.com", Category: "forum"})
			Expect(err).NotTo(HaveOccurred())

			for _, u := range []string{"http://tieba.baidu.com/", "http://www.tieba.baidu.com/f?kw=go"} {
				resp, err := proxyClient(httpPort(), nil).Get(u)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(readBody(resp)).To(ContainSubstring("Access Blocked"))
			}

			st, err := client.Status(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.TodayBlockedCount).To(Equal(int64(2)))

			startOfDay := time.Now().Truncate(24 * time.Hour)
			Eventually(func() (int64, error) {
				return store.CountBlocksSince(ctx, startOfDay)
			}, 5*time.Second).Should(Equal(int64(2)))
		})

		It("forwards allowed requests to the origin", func() {
			origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Origin", "yes")
				_, _ = io.WriteString(w, "hello from origin")
			}))
			defer origin.Close()

			resp, err := proxyClient(httpPort(), nil).Get(origin.URL + "/page")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get("X-Origin")).To(Equal("yes"))
			Expect(readBody(resp)).To(Equal("hello from origin"))
		})
	})

	Describe("HTTPS", func() {
		It("tunnels allowed hosts without touching the TLS session", func() {
			origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "secure origin")
			}))
			defer origin.Close()

			roots := x509.NewCertPool()
			roots.AddCert(origin.Certificate())

			resp, err := proxyClient(httpsPort(), roots).Get(origin.URL)
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(Equal("secure origin"))
		})

		It("terminates TLS for blocked hosts with a leaf from the local root", func() {
			_, err := client.AddRule(context.Background(), control.RuleRequest{Pattern: "*.weibo.com"})
			Expect(err).NotTo(HaveOccurred())

			roots := x509.NewCertPool()
			roots.AddCert(engine.Authority().RootCertificate())

			resp, err := proxyClient(httpsPort(), roots).Get("https://m.weibo.com/u/123")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.TLS).NotTo(BeNil())
			Expect(resp.TLS.PeerCertificates[0].DNSNames).To(ContainElement("m.weibo.com"))
			Expect(readBody(resp)).To(ContainSubstring("Access Blocked"))
		})
	})

	Describe("rule management", func() {
		It("reloads rules saved straight into the store", func() {
			ctx := context.Background()
			rule, err := matcher.NewRule("douban.com", "", "", time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(store.SaveRule(ctx, rule)).To(Succeed())

			n, err := client.ReloadRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			resp, err := proxyClient(httpPort(), nil).Get("http://douban.com/")
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(ContainSubstring("Access Blocked"))
		})

		It("rejects malformed patterns", func() {
			_, err := client.AddRule(context.Background(), control.RuleRequest{Pattern: "not a domain"})
			Expect(err).To(HaveOccurred())

			var statusErr *control.StatusError
			Expect(err).To(BeAssignableToTypeOf(statusErr))
			Expect(err.(*control.StatusError).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("shutdown", func() {
		It("refuses a wrong credential and honours the right one", func() {
			ctx := context.Background()
			_, err := client.AddRule(ctx, control.RuleRequest{Pattern: "zhihu.com"})
			Expect(err).NotTo(HaveOccurred())

			err = client.StopProxy(ctx, "guess")
			Expect(err).To(MatchError(domain.ErrUnauthorized))
			Expect(engine.ProxyStatus().Running).To(BeTrue())

			Expect(client.Shutdown(ctx, credential)).To(Succeed())
			var runErr error
			Eventually(done, 10*time.Second).Should(Receive(&runErr))
			Expect(runErr).NotTo(HaveOccurred())
			stopped = true
			Expect(engine.ProxyStatus().Running).To(BeFalse())

			events, err := store.RecentAuditEvents(ctx, time.Now().Add(-time.Hour), 50)
			Expect(err).NotTo(HaveOccurred())
			var types []string
			for _, e := range events {
				if e.Event != nil {
					types = append(types, e.Event.Type)
				}
			}
			Expect(types).To(ContainElements(domain.EventUnauthorizedShutdown, domain.EventEnforcementStopped))

			rules, err := store.ListRules(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rules).To(HaveLen(1))
			Expect(rules[0].NormalizedDomain).To(Equal("zhihu.com"))
		})
	})
})
