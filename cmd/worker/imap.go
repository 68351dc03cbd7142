package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"

	"github.com/opsdesk/opsdesk/cmd/api/events"
	"github.com/opsdesk/opsdesk/cmd/api/settings"
	"github.com/opsdesk/opsdesk/internal/lifecycle"
)

var bodyPolicy = bluemonday.StrictPolicy()

var uidRe = regexp.MustCompile(`\[(TKT-\d+)\]`)

// pollIMAP reads unseen messages from the inbox. A subject tagged with an
// existing ticket uid becomes a comment on that ticket; anything else opens
// a new ticket for the sender.
func pollIMAP(ctx context.Context, c Config, db DB) error {
	cli, err := imapclient.DialTLS(fmt.Sprintf("%s:993", c.IMAPHost), nil)
	if err != nil {
		return err
	}
	defer cli.Logout()

	if err := cli.Login(c.IMAPUser, c.IMAPPass); err != nil {
		return err
	}
	mbox, err := cli.Select(c.IMAPFolder, false)
	if err != nil {
		return err
	}
	if mbox.Messages == 0 {
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := cli.Search(criteria)
	if err != nil || len(uids) == 0 {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- cli.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if msg == nil {
			continue
		}
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			log.Error().Err(err).Msg("read body")
			continue
		}
		if err := ingestMessage(ctx, db, raw); err != nil {
			log.Error().Err(err).Msg("ingest message")
			continue
		}
		seq := new(imap.SeqSet)
		seq.AddNum(msg.SeqNum)
		if err := cli.Store(seq, imap.AddFlags, []interface{}{imap.SeenFlag}, nil); err != nil {
			log.Error().Err(err).Msg("store flags")
		}
	}
	return <-done
}

// parseMessage extracts subject, sender and the first text part.
func parseMessage(raw []byte) (subject, fromAddr, fromName, body string, err error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", "", "", err
	}
	subject, _ = mr.Header.Subject()
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		fromAddr = addrs[0].Address
		fromName = addrs[0].Name
	}
	for {
		p, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			break
		}
		if h, ok := p.Header.(*mail.InlineHeader); ok {
			ct, _, _ := h.ContentType()
			if body == "" || ct == "text/plain" {
				b, _ := io.ReadAll(p.Body)
				body = string(b)
			}
			if ct == "text/plain" {
				break
			}
		}
	}
	body = strings.TrimSpace(bodyPolicy.Sanitize(body))
	return subject, fromAddr, fromName, body, nil
}

func ingestMessage(ctx context.Context, db DB, raw []byte) error {
	subject, fromAddr, fromName, body, err := parseMessage(raw)
	if err != nil {
		return err
	}
	if fromAddr == "" {
		return fmt.Errorf("message without sender")
	}
	if subject == "" {
		subject = "(no subject)"
	}

	if m := uidRe.FindStringSubmatch(subject); len(m) == 2 {
		var ticketID, status string
		if err := db.QueryRow(ctx, `select id::text, status from tickets where uid=$1 and deleted_at is null`, m[1]).Scan(&ticketID, &status); err == nil {
			return appendComment(ctx, db, ticketID, fromAddr, body, status)
		}
	}
	return createFromMail(ctx, db, subject, fromAddr, fromName, body)
}

func appendComment(ctx context.Context, db DB, ticketID, fromAddr, body, status string) error {
	var authorID *string
	var uid string
	if err := db.QueryRow(ctx, `select id::text from users where lower(email)=lower($1)`, fromAddr).Scan(&uid); err == nil {
		authorID = &uid
	}
	var commentID string
	if err := db.QueryRow(ctx,
		`insert into ticket_comments (ticket_id, author_id, body) values ($1, $2, $3) returning id::text`,
		ticketID, authorID, body).Scan(&commentID); err != nil {
		return err
	}
	reopened := false
	if lifecycle.ReopenOnComment(status) {
		// Guarded on the live status so a ticket touched since the lookup
		// is not flipped on stale state. The sender is the requester, not
		// staff, so first_response_at stays as it is.
		tag, err := db.Exec(ctx,
			`update tickets set status=$1, closed_at=null, updated_at=now() where id=$2 and status in ('closed','pending')`,
			lifecycle.StatusOpen, ticketID)
		if err != nil {
			return err
		}
		reopened = tag.RowsAffected() > 0
	}
	events.Emit(ctx, db, ticketID, events.CommentAdded,
		map[string]any{"id": commentID, "ticket_id": ticketID, "reopened": reopened, "source": "email"})
	return nil
}

func createFromMail(ctx context.Context, db DB, subject, fromAddr, fromName, body string) error {
	var contactID string
	err := db.QueryRow(ctx, `select id::text from users where lower(email)=lower($1)`, fromAddr).Scan(&contactID)
	if err != nil {
		if fromName == "" {
			fromName = fromAddr
		}
		const q = `with u as (
  insert into users (id, email, display_name) values (gen_random_uuid(), lower($1), $2) returning id
), ur as (
  insert into user_roles (user_id, role_id) select u.id, r.id from u, roles r where r.name='contact'
)
select id::text from u`
		if err := db.QueryRow(ctx, q, fromAddr, fromName).Scan(&contactID); err != nil {
			return err
		}
	}

	pol := settings.LoadPolicy(ctx, db)
	now := time.Now()
	var escalateAt *time.Time
	if d := pol.EscalateDeadline(now); !d.IsZero() {
		escalateAt = &d
	}
	var id, uid string
	const q = `with s as (select nextval('ticket_seq') n)
insert into tickets (uid, subject, details, contact_id, priority, status,
  escalate_value, escalate_unit, autoclose_value, autoclose_unit, escalate_at)
values ((select 'TKT-'||n from s), $1, $2, $3, $4, 'pending', $5, $6, $7, $8, $9)
returning id::text, uid`
	if err := db.QueryRow(ctx, q, subject, body, contactID, lifecycle.PriorityLow,
		pol.EscalateValue, pol.EscalateUnit, pol.AutocloseValue, pol.AutocloseUnit, escalateAt).Scan(&id, &uid); err != nil {
		return err
	}
	events.Emit(ctx, db, id, events.TicketCreated, map[string]string{"id": id, "uid": uid, "source": "email"})
	log.Info().Str("ticket", uid).Str("from", fromAddr).Msg("ticket from mail")
	return nil
}
