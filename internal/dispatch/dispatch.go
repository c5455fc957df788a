// Package dispatch routes authorised inbound messages to the right
// pipeline and sends exactly one reply for each of them.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/email"
	"github.com/nonatech-uk/hash-calendar-email/internal/extract"
	"github.com/nonatech-uk/hash-calendar-email/internal/inbound"
	"github.com/nonatech-uk/hash-calendar-email/internal/metrics"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
	"github.com/nonatech-uk/hash-calendar-email/internal/notify"
	"github.com/nonatech-uk/hash-calendar-email/internal/reconcile"
	"github.com/nonatech-uk/hash-calendar-email/internal/sanitize"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

// Command is what an inbound message asks for, chosen by its subject.
type Command string

const (
	CommandHelp   Command = "help"
	CommandExport Command = "export"
	CommandImport Command = "import"
	CommandCreate Command = "create_or_update"
)

// Classify maps a subject line to a command. Matching is exact after
// trimming and ignores case; anything else describes a run.
func Classify(subject string) Command {
	switch strings.ToLower(strings.TrimSpace(subject)) {
	case "help":
		return CommandHelp
	case "export":
		return CommandExport
	case "import":
		return CommandImport
	}
	return CommandCreate
}

// Drop reasons.
const (
	ReasonNoSender     = "no_sender"
	ReasonUnauthorised = "unauthorised"
)

// Reply texts for import problems.
const (
	MsgNoAttachment = "No CSV file attached. Please attach a CSV file and resend."
	MsgNoCSV        = "No CSV file found in attachments. Please attach a .csv file."
	MsgExportFailed = "The export could not be generated. Please try again later."
	MsgSaveFailed   = "The run could not be saved. Please try again later."
)

// Extractor turns an email into run fields.
type Extractor interface {
	Extract(ctx context.Context, apiKey, subject, body string) (model.Fields, error)
}

// Reconciler applies fields to stored runs.
type Reconciler interface {
	Apply(ctx context.Context, fields model.Fields) (*model.Outcome, error)
}

// Bulk imports and exports runs as CSV.
type Bulk interface {
	Import(ctx context.Context, raw string) *model.Summary
	Export(ctx context.Context) ([]byte, int, error)
}

// Auditor records handled messages.
type Auditor interface {
	WriteAudit(ctx context.Context, actor, action, targetID string, data map[string]string) error
}

// MailerFunc picks the outbound transport for the current settings.
type MailerFunc func(s *settings.Settings) (email.Sender, error)

// Result describes how one message was handled.
type Result struct {
	Command Command
	Sender  string
	// Dropped is set when the message was ignored without a reply.
	Dropped bool
	Reason  string
	// Reply is the composed reply; Sent reports whether it was delivered.
	Reply   *email.Message
	Sent    bool
	Outcome *model.Outcome
	Summary *model.Summary
	// Err is the failure reported to the sender, if any.
	Err error
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Extractor Extractor
	Engine    Reconciler
	Bulk      Bulk
	Audit     Auditor
	Mailer    MailerFunc
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Dispatcher handles inbound messages.
type Dispatcher struct {
	extractor Extractor
	engine    Reconciler
	bulk      Bulk
	audit     Auditor
	mailer    MailerFunc
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a Dispatcher. Mailer defaults to email.FromSettings.
func New(d Deps) *Dispatcher {
	if d.Mailer == nil {
		d.Mailer = email.FromSettings
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Dispatcher{
		extractor: d.Extractor,
		engine:    d.Engine,
		bulk:      d.Bulk,
		audit:     d.Audit,
		mailer:    d.Mailer,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// Handle processes one message with the settings loaded for it. Every
// failure after authorisation becomes a reply to the sender; nothing is
// returned to the transport.
func (d *Dispatcher) Handle(ctx context.Context, msg *inbound.Message, s *settings.Settings) *Result {
	log := d.logger.With(zap.String("digest", msg.Digest))

	sender := msg.Sender()
	if sender == "" {
		log.Info("no sender address in payload, dropping")
		d.metrics.Message("none", "dropped")
		return &Result{Dropped: true, Reason: ReasonNoSender}
	}
	log = log.With(zap.String("sender", sender))

	if !s.IsAuthorised(sender) {
		log.Info("unauthorised sender, dropping")
		d.metrics.Message("none", "dropped")
		return &Result{Sender: sender, Dropped: true, Reason: ReasonUnauthorised}
	}

	subject := sanitize.Text(string(msg.Subject))
	res := &Result{Command: Classify(subject), Sender: sender}
	log = log.With(zap.String("command", string(res.Command)), zap.String("subject", subject))
	log.Info("handling message")

	switch res.Command {
	case CommandHelp:
		res.Reply = notify.Help(sender, s.FromAddress(), s.SiteURL)
	case CommandExport:
		d.export(ctx, log, res)
	case CommandImport:
		d.importCSV(ctx, log, msg, res)
	default:
		d.createOrUpdate(ctx, log, s, subject, msg.Body(), res)
	}

	if res.Err != nil && res.Reply == nil {
		res.Reply = notify.Error(sender, res.Err.Error())
	}
	res.Sent = d.send(ctx, log, s, res.Reply)

	result := "ok"
	if res.Err != nil {
		result = "error"
	}
	d.metrics.Message(string(res.Command), result)
	d.writeAudit(ctx, log, msg, res, result)
	return res
}

func (d *Dispatcher) export(ctx context.Context, log *zap.Logger, res *Result) {
	data, count, err := d.bulk.Export(ctx)
	if err != nil {
		log.Error("export failed", zap.Error(err))
		res.Err = errors.New(MsgExportFailed)
		return
	}
	log.Info("export generated", zap.Int("runs", count))
	res.Reply = notify.Export(res.Sender, data, count)
}

func (d *Dispatcher) importCSV(ctx context.Context, log *zap.Logger, msg *inbound.Message, res *Result) {
	if len(msg.Attachments) == 0 {
		log.Info("import: no attachments")
		res.Err = errors.New(MsgNoAttachment)
		return
	}

	var data []byte
	if a, ok := inbound.FindCSV(msg.Attachments); ok {
		data = a.Data()
	}
	if len(data) == 0 {
		log.Info("import: no CSV attachment", zap.Int("attachments", len(msg.Attachments)))
		res.Err = errors.New(MsgNoCSV)
		return
	}

	summary := d.bulk.Import(ctx, string(data))
	res.Summary = summary
	if summary.Err != "" {
		res.Err = errors.New(summary.Err)
		return
	}

	d.metrics.ImportRows("created", len(summary.Created))
	d.metrics.ImportRows("updated", len(summary.Updated))
	d.metrics.ImportRows("unchanged", summary.Unchanged)
	d.metrics.ImportRows("error", len(summary.Errors))
	res.Reply = notify.ImportSummary(res.Sender, summary)
}

func (d *Dispatcher) createOrUpdate(ctx context.Context, log *zap.Logger, s *settings.Settings, subject, body string, res *Result) {
	start := time.Now()
	fields, err := d.extractor.Extract(ctx, s.AnthropicAPIKey, subject, body)
	d.metrics.ExtractDuration(time.Since(start).Seconds())
	if err != nil {
		kind := extract.KindOf(err)
		d.metrics.ExtractFailure(string(kind))
		log.Warn("extraction failed", zap.String("kind", string(kind)), zap.Error(err))
		res.Err = err
		return
	}
	log.Debug("extracted fields", zap.Any("fields", fields))

	outcome, err := d.engine.Apply(ctx, fields)
	if err != nil {
		if errors.Is(err, reconcile.ErrMissingDate) {
			log.Info("no date for new run")
			res.Err = err
			return
		}
		log.Error("reconcile failed", zap.Error(err))
		res.Err = errors.New(MsgSaveFailed)
		return
	}

	d.metrics.Run(string(outcome.Action))
	log.Info("run reconciled",
		zap.String("action", string(outcome.Action)),
		zap.String("run_id", outcome.RunID),
		zap.String("title", outcome.Title),
		zap.Strings("changed", outcome.Changed),
	)
	res.Outcome = outcome
	res.Reply = notify.Confirmation(res.Sender, outcome, notify.Permalink(s.SiteURL, outcome.RunID))
}

// send delivers reply once. Failures are logged and never retried.
func (d *Dispatcher) send(ctx context.Context, log *zap.Logger, s *settings.Settings, reply *email.Message) bool {
	if reply == nil {
		return false
	}
	sender, err := d.mailer(s)
	if errors.Is(err, email.ErrNotConfigured) {
		log.Warn("mail not configured, skipping reply", zap.String("subject", reply.Subject))
		d.metrics.Mail("skipped")
		return false
	}
	if err == nil {
		err = sender.Send(ctx, reply)
	}
	if err != nil {
		log.Error("failed to send reply", zap.String("subject", reply.Subject), zap.Error(err))
		d.metrics.Mail("failed")
		return false
	}
	d.metrics.Mail("sent")
	return true
}

func (d *Dispatcher) writeAudit(ctx context.Context, log *zap.Logger, msg *inbound.Message, res *Result, result string) {
	if d.audit == nil {
		return
	}
	data := map[string]string{
		"digest":  msg.Digest,
		"subject": string(msg.Subject),
		"result":  result,
	}
	var target string
	if res.Outcome != nil {
		target = res.Outcome.RunID
		data["action"] = string(res.Outcome.Action)
		data["changed"] = strings.Join(res.Outcome.Changed, ",")
	}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	if err := d.audit.WriteAudit(ctx, res.Sender, "email."+string(res.Command), target, data); err != nil {
		log.Error("failed to write audit entry", zap.Error(err))
	}
}
