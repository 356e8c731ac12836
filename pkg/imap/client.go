package imap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// Credentials is the JSON payload stored behind an IMAP account's AuthRef.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client syncs one mailbox over plain IMAP. IMAP has no change journal, so
// the cursor encodes UIDVALIDITY plus the highest UID seen: new messages
// arrive as UIDs above the watermark, and flag state for older messages is
// re-read each cycle — the merge's idempotence makes the replay free.
//
// Remote expunges below the watermark are not detected incrementally; a
// mirror rebuild reconciles them. A UIDVALIDITY change restarts the
// snapshot from scratch.
type Client struct {
	creds Credentials
}

const flagRefreshWindow = 500 // how many recent known UIDs get flag re-reads per cycle

func NewClient(authRef string) (*Client, error) {
	var creds Credentials
	if err := json.Unmarshal([]byte(authRef), &creds); err != nil {
		return nil, fmt.Errorf("invalid imap credentials: %w", err)
	}
	if creds.Host == "" || creds.Username == "" {
		return nil, fmt.Errorf("imap credentials missing host or username")
	}
	if creds.Port == 0 {
		creds.Port = 993
	}
	return &Client{creds: creds}, nil
}

// EncodeCredentials builds the AuthRef payload stored on an account.
func EncodeCredentials(host string, port int, username, password string) (string, error) {
	data, err := json.Marshal(Credentials{Host: host, Port: port, Username: username, Password: password})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) connect(ctx context.Context) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.creds.Host, c.creds.Port)
	conn, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, &maildomain.TransientError{Err: fmt.Errorf("imap dial %s: %w", addr, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.Timeout = time.Until(deadline)
	}
	if err := conn.Login(c.creds.Username, c.creds.Password); err != nil {
		conn.Logout()
		return nil, fmt.Errorf("%w: imap login: %v", maildomain.ErrAuth, err)
	}
	return conn, nil
}

// Authenticate verifies the stored credentials with a login round-trip.
func (c *Client) Authenticate(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	conn.Logout()
	return nil
}

// FetchChanges returns new messages above the cursor watermark plus flag
// refreshes for recent known messages.
func (c *Client) FetchChanges(ctx context.Context, mailbox, cursor string) ([]*maildomain.RemoteChange, string, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, "", err
	}
	defer conn.Logout()

	status, err := conn.Select(mailbox, true)
	if err != nil {
		return nil, "", &maildomain.TransientError{Err: fmt.Errorf("imap select %s: %w", mailbox, err)}
	}

	validity, lastUID := parseCursor(cursor)
	if validity != status.UidValidity {
		if cursor != "" {
			log.Printf("[IMAP] [WARN] UIDVALIDITY changed for %s (%d -> %d), restarting snapshot", mailbox, validity, status.UidValidity)
		}
		lastUID = 0
	}

	var changes []*maildomain.RemoteChange
	maxSeen := lastUID

	if status.Messages > 0 {
		newChanges, newMax, err := c.fetchNew(conn, lastUID)
		if err != nil {
			return nil, "", err
		}
		changes = append(changes, newChanges...)
		if newMax > maxSeen {
			maxSeen = newMax
		}

		if lastUID > 0 {
			flagChanges, err := c.refreshFlags(conn, lastUID)
			if err != nil {
				return nil, "", err
			}
			changes = append(changes, flagChanges...)
		}
	}

	return changes, formatCursor(status.UidValidity, maxSeen), nil
}

// fetchNew downloads full messages with UIDs above the watermark.
func (c *Client) fetchNew(conn *client.Client, lastUID uint32) ([]*maildomain.RemoteChange, uint32, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(lastUID+1, 0) // 0 means *

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid, imap.FetchFlags, imap.FetchEnvelope, imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqset, items, messages)
	}()

	var changes []*maildomain.RemoteChange
	maxSeen := lastUID
	for msg := range messages {
		// A UID FETCH n:* on an empty range echoes the last message back.
		if msg.Uid <= lastUID {
			continue
		}
		if msg.Uid > maxSeen {
			maxSeen = msg.Uid
		}
		remote := convertMessage(msg, section)
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeNew,
			ProviderID: remote.ProviderID,
			Timestamp:  remote.SentAt,
			Email:      remote,
		})
	}
	if err := <-done; err != nil {
		return nil, 0, &maildomain.TransientError{Err: fmt.Errorf("imap fetch: %w", err)}
	}
	return changes, maxSeen, nil
}

// refreshFlags re-reads flag state for the most recent known messages and
// emits one flag change per message. Unchanged values are dropped by the
// merge, so only genuine remote flag flips survive.
func (c *Client) refreshFlags(conn *client.Client, lastUID uint32) ([]*maildomain.RemoteChange, error) {
	from := uint32(1)
	if lastUID > flagRefreshWindow {
		from = lastUID - flagRefreshWindow + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, lastUID)

	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
	}()

	now := time.Now()
	var changes []*maildomain.RemoteChange
	for msg := range messages {
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeFlag,
			ProviderID: formatUID(msg.Uid),
			Timestamp:  now,
			Flags: map[string]bool{
				maildomain.FieldRead:    hasFlag(msg.Flags, imap.SeenFlag),
				maildomain.FieldStarred: hasFlag(msg.Flags, imap.FlaggedFlag),
				maildomain.FieldDeleted: hasFlag(msg.Flags, imap.DeletedFlag),
			},
		})
	}
	if err := <-done; err != nil {
		return nil, &maildomain.TransientError{Err: fmt.Errorf("imap flag refresh: %w", err)}
	}
	return changes, nil
}

// PushMutation applies one local mutation as an IMAP flag store. STORE is
// idempotent, so retried pushes never duplicate remote state.
func (c *Client) PushMutation(ctx context.Context, mutation *maildomain.PendingMutation) error {
	uid, err := parseUID(mutation.ProviderID)
	if err != nil {
		return &maildomain.RemoteRejectedError{Reason: "invalid message id " + mutation.ProviderID}
	}

	var flags []interface{}
	switch mutation.Field {
	case maildomain.FieldRead:
		flags = []interface{}{imap.SeenFlag}
	case maildomain.FieldStarred:
		flags = []interface{}{imap.FlaggedFlag}
	case maildomain.FieldDeleted:
		flags = []interface{}{imap.DeletedFlag}
	case maildomain.FieldLabels:
		return c.pushKeywords(ctx, mutation, uid)
	case maildomain.FieldArchived:
		return &maildomain.RemoteRejectedError{Reason: "imap mailboxes do not support archiving"}
	default:
		return &maildomain.RemoteRejectedError{Reason: "unsupported mutation field " + mutation.Field}
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Logout()

	if _, err := conn.Select("INBOX", false); err != nil {
		return &maildomain.TransientError{Err: fmt.Errorf("imap select: %w", err)}
	}

	var op imap.FlagsOp = imap.AddFlags
	if !mutation.BoolValue {
		op = imap.RemoveFlags
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(op, true)
	if err := conn.UidStore(seqset, item, flags, nil); err != nil {
		return &maildomain.TransientError{Err: fmt.Errorf("imap store: %w", err)}
	}

	if mutation.Field == maildomain.FieldDeleted && mutation.BoolValue {
		if err := conn.Expunge(nil); err != nil {
			return &maildomain.TransientError{Err: fmt.Errorf("imap expunge: %w", err)}
		}
	}
	return nil
}

// pushKeywords replaces the message's custom keywords with the mutation's
// label set.
func (c *Client) pushKeywords(ctx context.Context, mutation *maildomain.PendingMutation, uid uint32) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Logout()

	if _, err := conn.Select("INBOX", false); err != nil {
		return &maildomain.TransientError{Err: fmt.Errorf("imap select: %w", err)}
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	// Read current flags so system flags survive the keyword replacement.
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- conn.UidFetch(seqset, []imap.FetchItem{imap.FetchUid, imap.FetchFlags}, messages)
	}()
	var current []string
	for msg := range messages {
		current = msg.Flags
	}
	if err := <-done; err != nil {
		return &maildomain.TransientError{Err: fmt.Errorf("imap fetch flags: %w", err)}
	}

	next := make([]interface{}, 0, len(current)+4)
	for _, f := range current {
		if strings.HasPrefix(f, "\\") {
			next = append(next, f)
		}
	}
	for _, name := range mutation.LabelNames() {
		next = append(next, name)
	}

	item := imap.FormatFlagsOp(imap.SetFlags, true)
	if err := conn.UidStore(seqset, item, next, nil); err != nil {
		return &maildomain.TransientError{Err: fmt.Errorf("imap store keywords: %w", err)}
	}
	return nil
}

// convertMessage maps an IMAP message to the provider-neutral payload.
func convertMessage(msg *imap.Message, section *imap.BodySectionName) *maildomain.RemoteEmail {
	remote := &maildomain.RemoteEmail{
		ProviderID: formatUID(msg.Uid),
		SentAt:     msg.InternalDate,
		Read:       hasFlag(msg.Flags, imap.SeenFlag),
		Starred:    hasFlag(msg.Flags, imap.FlaggedFlag),
	}
	for _, f := range msg.Flags {
		if !strings.HasPrefix(f, "\\") {
			remote.Labels = append(remote.Labels, f)
		}
	}

	if env := msg.Envelope; env != nil {
		remote.Subject = env.Subject
		if !env.Date.IsZero() {
			remote.SentAt = env.Date
		}
		if len(env.From) > 0 {
			remote.FromName = env.From[0].PersonalName
			remote.FromEmail = env.From[0].Address()
		}
		for _, addr := range env.To {
			remote.To = append(remote.To, addr.Address())
		}
		// RFC 2822 threading via In-Reply-To keeps replies grouped.
		if env.InReplyTo != "" {
			remote.ProviderThreadID = env.InReplyTo
		} else if env.MessageId != "" {
			remote.ProviderThreadID = env.MessageId
		}
	}

	if body := msg.GetBody(section); body != nil {
		remote.Body = readBodyText(body)
	}
	if remote.Snippet == "" {
		snippet := strings.Join(strings.Fields(remote.Body), " ")
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		remote.Snippet = snippet
	}
	return remote
}

// readBodyText extracts the first inline text part of a MIME message.
func readBodyText(r io.Reader) string {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil {
			return ""
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok {
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return ""
			}
			return string(data)
		}
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(providerID string) (uint32, error) {
	uid, err := strconv.ParseUint(providerID, 10, 32)
	return uint32(uid), err
}

func formatCursor(validity, lastUID uint32) string {
	return fmt.Sprintf("%d:%d", validity, lastUID)
}

func parseCursor(cursor string) (validity, lastUID uint32) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	v, _ := strconv.ParseUint(parts[0], 10, 32)
	u, _ := strconv.ParseUint(parts[1], 10, 32)
	return uint32(v), uint32(u)
}
