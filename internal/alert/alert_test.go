package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/performance"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/resource"
)

type captureNotifier struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []*Alert
}

func (c *captureNotifier) Name() string { return c.name }

func (c *captureNotifier) Notify(_ context.Context, a *Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return c.err
}

func (c *captureNotifier) Close() error { return nil }

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestBroadcasterFanOutAndHistory(t *testing.T) {
	b := NewBroadcaster(0, nil)
	ok := &captureNotifier{name: "slack"}
	broken := &captureNotifier{name: "discord", err: errors.New("401 unauthorized")}
	b.Register(ok)
	b.Register(broken)
	assert.Equal(t, []string{"discord", "slack"}, b.Notifiers())

	sent, err := b.Send(context.Background(), &Alert{Kind: KindDigest, Title: "hello"})
	assert.True(t, sent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, broken.count())

	hist := b.History(10)
	require.Len(t, hist, 1)
	assert.Equal(t, []string{"discord", "slack"}, hist[0].Targets)
	assert.Len(t, hist[0].Errors, 1)
	assert.False(t, hist[0].Alert.At.IsZero())

	_, err = b.Send(context.Background(), &Alert{Title: "no kind"})
	assert.Error(t, err)
}

func TestBroadcasterCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBroadcaster(time.Hour, nil)
	b.now = func() time.Time { return now }
	n := &captureNotifier{name: "slack"}
	b.Register(n)

	recs := []performance.Recommendation{
		{Kind: performance.RecommendScale, AgentID: "writer", Message: "slow"},
		{Kind: performance.RecommendDegradation, AgentID: "writer", Message: "degraded"},
	}
	sent, err := b.NotifyRecommendations(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	now = now.Add(30 * time.Minute)
	sent, err = b.NotifyRecommendations(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	now = now.Add(31 * time.Minute)
	sent, _ = b.NotifyRecommendations(context.Background(), recs[:1])
	assert.Equal(t, 1, sent)
	assert.Equal(t, 3, n.count())

	assert.Equal(t, SeverityCritical, n.alerts[1].Severity)
	assert.Equal(t, "writer", n.alerts[1].AgentID)
}

func TestBroadcasterScalingSink(t *testing.T) {
	b := NewBroadcaster(0, nil)
	n := &captureNotifier{name: "slack"}
	b.Register(n)

	var sink resource.Sink = b
	at := time.Now()
	sink.OnScalingRecommendation(resource.ScalingRecommendation{At: at, Message: "utilization above 80%"})

	require.Equal(t, 1, n.count())
	assert.Equal(t, KindScaling, n.alerts[0].Kind)
	assert.Equal(t, "utilization above 80%", n.alerts[0].Text)
	assert.True(t, at.Equal(n.alerts[0].At))
}

func TestBroadcasterDigest(t *testing.T) {
	b := NewBroadcaster(0, nil)
	n := &captureNotifier{name: "slack"}
	b.Register(n)

	_, err := b.Digest(context.Background(), performance.Overview{
		Agents: 2, TotalTasks: 10, SuccessRate: 0.9, AvgLatency: 1500 * time.Millisecond,
		ResourceUtilization: 0.25, Recommendations: []string{"agent b success rate 50% below minimum 80%"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n.count())
	assert.Contains(t, n.alerts[0].Text, "2 agents, 10 tasks, success rate 90%")
	assert.Contains(t, n.alerts[0].Text, "- agent b success rate")
}

func TestSlackNotifier(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"channel":"C123","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	n, err := NewSlackNotifier(SlackConfig{BotToken: "xoxb-test", Channel: "C123", Username: "orchestrator"},
		nil, slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, err)

	err = n.Notify(context.Background(), &Alert{
		Kind: KindAgentHealth, Severity: SeverityCritical, Title: "Agent performance degraded",
		Text: "agent writer degraded", AgentID: "writer", At: time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, "C123", form.Get("channel"))
	assert.Equal(t, "[critical] Agent performance degraded", form.Get("text"))
	assert.Equal(t, "orchestrator", form.Get("username"))

	var atts []slack.Attachment
	require.NoError(t, json.Unmarshal([]byte(form.Get("attachments")), &atts))
	require.Len(t, atts, 1)
	assert.Equal(t, "#D0021B", atts[0].Color)
	assert.Equal(t, "agent writer degraded", atts[0].Text)
	assert.Equal(t, "agent_health | agent writer", atts[0].Footer)
}

func TestSlackNotifierRequiresChannel(t *testing.T) {
	_, err := NewSlackNotifier(SlackConfig{BotToken: "xoxb"}, nil)
	assert.Error(t, err)
}

// rewriteTransport sends every request to the test server.
type rewriteTransport struct{ target *url.URL }

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func TestDiscordNotifierWebhook(t *testing.T) {
	var path string
	var body struct {
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	target, _ := url.Parse(srv.URL)

	n, err := NewDiscordNotifier(DiscordConfig{
		WebhookURL: "https://discord.com/api/webhooks/123456/secret-token",
		Username:   "orchestrator",
	}, nil)
	require.NoError(t, err)
	n.session.Client = &http.Client{Transport: rewriteTransport{target: target}}

	err = n.Notify(context.Background(), &Alert{
		Kind: KindScaling, Severity: SeverityWarning, Title: "Resource pool saturated", Text: "scale up",
	})
	require.NoError(t, err)

	assert.Contains(t, path, "/webhooks/123456/secret-token")
	assert.Equal(t, "orchestrator", body.Username)
	require.Len(t, body.Embeds, 1)
	assert.Equal(t, "[warning] Resource pool saturated", body.Embeds[0].Title)
	assert.Equal(t, "scale up", body.Embeds[0].Description)
	assert.Equal(t, 0xF5A623, body.Embeds[0].Color)
	assert.NoError(t, n.Close())
}

func TestDiscordNotifierConfig(t *testing.T) {
	_, err := NewDiscordNotifier(DiscordConfig{}, nil)
	assert.Error(t, err)

	_, err = NewDiscordNotifier(DiscordConfig{WebhookURL: "https://discord.com/api/other/1"}, nil)
	assert.Error(t, err)

	id, tok, err := parseWebhookURL("https://discord.com/api/v10/webhooks/42/abc")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, "abc", tok)
}
