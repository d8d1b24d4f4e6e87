package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/zsprackett/jobkit/internal/config"
	"github.com/zsprackett/jobkit/internal/events"
	"github.com/zsprackett/jobkit/internal/retry"
)

// Message is the data passed to notification templates.
type Message struct {
	Flag         string
	JobName      string
	InvocationID string
	Status       string
	Elapsed      time.Duration
	Err          string
	Output       string
	Timestamp    time.Time
}

func newMessage(e events.Event) Message {
	msg := Message{
		Flag:         strings.TrimPrefix(e.Type, "job."),
		JobName:      e.JobName,
		InvocationID: e.InvocationID,
		Status:       string(e.Status),
		Elapsed:      time.Duration(e.ElapsedMS) * time.Millisecond,
		Err:          e.Err,
		Timestamp:    e.Timestamp,
	}
	if e.Invocation != nil {
		msg.Output = e.Invocation.Output.String()
	}
	return msg
}

type delivery struct {
	channel string
	job     string
	send    func(ctx context.Context) error
}

type jobTargets struct {
	cfg         config.JobNotificationsConfig
	webhookBody *template.Template
}

// Notifier turns lifecycle events into webhook, ntfy, slack and email
// notifications, delivered through a retry queue.
type Notifier struct {
	cfg      config.NotificationsConfig
	jobs     map[string]jobTargets
	client   *http.Client
	mailer   Mailer
	queue    *retry.Queue[delivery]
	logger   *slog.Logger
	subject  *template.Template
	textBody *template.Template
}

// New returns a Notifier for the given jobs. Webhook body templates are
// parsed up front.
func New(cfg config.NotificationsConfig, jobs []config.JobConfig, logger *slog.Logger) (*Notifier, error) {
	n := &Notifier{
		cfg:      cfg,
		jobs:     make(map[string]jobTargets, len(jobs)),
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		subject:  template.Must(template.New("subject").Parse(DefaultEmailSubjectTemplate)),
		textBody: template.Must(template.New("body").Parse(DefaultEmailTextBodyTemplate)),
	}
	n.mailer = SMTPMailer{cfg: cfg.SMTP}
	for _, jc := range jobs {
		t := jobTargets{cfg: jc.Notifications}
		if body := jc.Notifications.Webhook.Body; body != "" {
			tmpl, err := template.New(jc.Name).Parse(body)
			if err != nil {
				return nil, fmt.Errorf("job %s: parse webhook body: %w", jc.Name, err)
			}
			t.webhookBody = tmpl
		}
		n.jobs[jc.Name] = t
	}
	wait := retry.ConstantWait(time.Second)
	if cfg.RetryWait > 0 {
		wait = retry.LinearBackoff(cfg.RetryWait.Std())
	}
	n.queue = retry.New(func(ctx context.Context, d delivery) error {
		return d.send(ctx)
	},
		retry.WithParallelism[delivery](2),
		retry.WithMaxAttempts[delivery](cfg.MaxRetries+1),
		retry.WithWait[delivery](wait),
		retry.WithLogger[delivery](logger),
		retry.WithGiveUp(func(d delivery, err error) {
			logger.Warn("notification failed", "channel", d.channel, "job", d.job, "err", err)
		}),
	)
	return n, nil
}

// SetMailer replaces the SMTP mailer.
func (n *Notifier) SetMailer(m Mailer) {
	n.mailer = m
}

func (n *Notifier) Start(ctx context.Context) {
	n.queue.Start(ctx)
}

func (n *Notifier) Stop() {
	n.queue.Stop()
}

// wants reports whether the job's flags select the event type.
func wants(jc config.JobNotificationsConfig, typ string) bool {
	switch typ {
	case events.TypeStarted:
		return jc.OnBeginOrDefault()
	case events.TypeSuccess:
		return jc.OnSuccessOrDefault()
	case events.TypeFailed:
		return jc.OnFailureOrDefault()
	case events.TypeCancelled:
		return jc.OnCancellationOrDefault()
	case events.TypeBroken:
		return jc.OnBrokenOrDefault()
	case events.TypeFixed:
		return jc.OnFixedOrDefault()
	case events.TypeEnabled:
		return jc.OnEnabledOrDefault()
	case events.TypeDisabled:
		return jc.OnDisabledOrDefault()
	}
	return false
}

// Broadcast queues the notifications selected for e. It never blocks for
// longer than a second.
func (n *Notifier) Broadcast(e events.Event) {
	if !n.cfg.Enabled {
		return
	}
	targets := n.jobs[e.JobName]
	if !wants(targets.cfg, e.Type) {
		return
	}
	msg := newMessage(e)

	var deliveries []delivery
	add := func(channel string, send func(ctx context.Context) error) {
		deliveries = append(deliveries, delivery{channel: channel, job: e.JobName, send: send})
	}
	if n.cfg.Webhook != "" {
		add("webhook", func(ctx context.Context) error { return n.sendWebhook(ctx, n.cfg.Webhook, e) })
	}
	if wh := targets.cfg.Webhook; !wh.IsZero() {
		add("job webhook", func(ctx context.Context) error { return n.sendJobWebhook(ctx, wh, targets.webhookBody, msg) })
	}
	if url := firstNonEmpty(targets.cfg.Ntfy, n.cfg.NtfyURL); url != "" {
		add("ntfy", func(ctx context.Context) error { return n.sendNtfy(ctx, url, msg) })
	}
	if url := firstNonEmpty(targets.cfg.Slack, n.cfg.SlackURL); url != "" {
		add("slack", func(ctx context.Context) error { return n.sendSlack(ctx, url, msg) })
	}
	if len(targets.cfg.Email) > 0 && n.cfg.SMTP.Host != "" {
		to := targets.cfg.Email
		add("email", func(ctx context.Context) error { return n.sendEmail(ctx, to, msg) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, d := range deliveries {
		if err := n.queue.Add(ctx, d); err != nil {
			n.logger.Warn("notification dropped", "channel", d.channel, "job", e.JobName, "err", err)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (n *Notifier) do(req *http.Request) error {
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Redacted(), resp.StatusCode)
	}
	return nil
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req)
}

func (n *Notifier) sendWebhook(ctx context.Context, url string, e events.Event) error {
	return n.postJSON(ctx, url, e)
}

func (n *Notifier) sendJobWebhook(ctx context.Context, wh config.Webhook, body *template.Template, msg Message) error {
	var buf bytes.Buffer
	if body != nil {
		if err := body.Execute(&buf, msg); err != nil {
			return fmt.Errorf("render webhook body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, wh.MethodOrDefault(), wh.URL, &buf)
	if err != nil {
		return err
	}
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}
	return n.do(req)
}

type ntfyPayload struct {
	Topic    string   `json:"topic,omitempty"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(ctx context.Context, url string, msg Message) error {
	payload := ntfyPayload{
		Title:    fmt.Sprintf("%s %s", msg.JobName, msg.Flag),
		Message:  summary(msg),
		Priority: 3,
		Tags:     []string{"white_check_mark"},
	}
	if isBad(msg.Flag) {
		payload.Priority = 4
		payload.Tags = []string{"rotating_light"}
	}
	return n.postJSON(ctx, url, payload)
}

func summary(msg Message) string {
	var parts []string
	if msg.Err != "" {
		parts = append(parts, "error: "+msg.Err)
	}
	if msg.Elapsed > 0 {
		parts = append(parts, fmt.Sprintf("%v elapsed", msg.Elapsed))
	}
	if len(parts) == 0 {
		return msg.Flag
	}
	return strings.Join(parts, " · ")
}

func isBad(flag string) bool {
	return flag == "failed" || flag == "broken" || flag == "cancelled"
}

type slackAttachment struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

type slackMessage struct {
	Attachments []slackAttachment `json:"attachments"`
}

func (n *Notifier) sendSlack(ctx context.Context, url string, msg Message) error {
	return n.postJSON(ctx, url, newSlackMessage(msg))
}

func newSlackMessage(msg Message) slackMessage {
	var m slackMessage
	title := fmt.Sprintf("%s %s", msg.JobName, msg.Flag)
	if msg.Err != "" {
		m.Attachments = append(m.Attachments,
			slackAttachment{Text: title, Color: "#ff0000"},
			slackAttachment{Text: "error: " + msg.Err, Color: "#ff0000"},
		)
	} else {
		m.Attachments = append(m.Attachments, slackAttachment{Text: title, Color: "#00ff00"})
	}
	if msg.Elapsed > 0 {
		m.Attachments = append(m.Attachments, slackAttachment{Text: fmt.Sprintf("%v elapsed", msg.Elapsed)})
	}
	return m
}
