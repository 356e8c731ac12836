package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	maildomain "mailmirror/internal/mail/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenUpdateFunc persists a refreshed OAuth token back to the account's
// credential record.
type TokenUpdateFunc func(token *oauth2.Token) error

// Credentials is the JSON payload stored behind an account's AuthRef.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Cursor encoding. Backfill walks list pages; once the snapshot is
// complete the cursor switches to a history id and stays incremental.
const (
	cursorPagePrefix    = "page:"
	cursorHistoryPrefix = "hist:"
)

const snapshotPageSize = 100

// Client syncs one Gmail account through the history API. The first sync
// snapshots the mailbox page by page; subsequent syncs replay history
// records from the stored cursor.
type Client struct {
	clientID       string
	clientSecret   string
	creds          Credentials
	onTokenRefresh TokenUpdateFunc

	svc        *gmail.Service
	labelNames map[string]string // label id -> name, cached per client
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] [WARN] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

// NewClient decodes the account's stored credentials and prepares a client.
// The Gmail service itself is built lazily on first use.
func NewClient(clientID, clientSecret, authRef string, onTokenRefresh TokenUpdateFunc) (*Client, error) {
	var creds Credentials
	if err := json.Unmarshal([]byte(authRef), &creds); err != nil {
		return nil, fmt.Errorf("invalid gmail credentials: %w", err)
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, fmt.Errorf("gmail credentials missing tokens")
	}
	return &Client{
		clientID:       clientID,
		clientSecret:   clientSecret,
		creds:          creds,
		onTokenRefresh: onTokenRefresh,
	}, nil
}

// EncodeCredentials builds the AuthRef payload stored on an account.
func EncodeCredentials(accessToken, refreshToken string) (string, error) {
	data, err := json.Marshal(Credentials{AccessToken: accessToken, RefreshToken: refreshToken})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) service(ctx context.Context) (*gmail.Service, error) {
	if c.svc != nil {
		return c.svc, nil
	}

	token := &oauth2.Token{
		AccessToken:  c.creds.AccessToken,
		RefreshToken: c.creds.RefreshToken,
		TokenType:    "Bearer",
	}
	if c.creds.RefreshToken != "" {
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     google.Endpoint,
	}

	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: c.onTokenRefresh,
	}
	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	c.svc = srv
	return srv, nil
}

// Authenticate verifies the stored credentials with a profile fetch.
func (c *Client) Authenticate(ctx context.Context) error {
	srv, err := c.service(ctx)
	if err != nil {
		return err
	}
	if _, err := srv.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return mapError(err)
	}
	return nil
}

// FetchChanges returns one page of remote changes and the cursor to resume
// from. An expired history cursor restarts the snapshot from scratch; the
// local upsert path makes re-applying the snapshot harmless.
func (c *Client) FetchChanges(ctx context.Context, mailbox, cursor string) ([]*maildomain.RemoteChange, string, error) {
	srv, err := c.service(ctx)
	if err != nil {
		return nil, "", err
	}

	if cursor == "" || strings.HasPrefix(cursor, cursorPagePrefix) {
		return c.fetchSnapshotPage(ctx, srv, mailbox, strings.TrimPrefix(cursor, cursorPagePrefix))
	}

	changes, next, err := c.fetchHistory(ctx, srv, mailbox, strings.TrimPrefix(cursor, cursorHistoryPrefix))
	if isHistoryExpired(err) {
		log.Printf("[Gmail] [WARN] History cursor expired, restarting snapshot for mailbox %s", mailbox)
		return c.fetchSnapshotPage(ctx, srv, mailbox, "")
	}
	return changes, next, err
}

func (c *Client) fetchSnapshotPage(ctx context.Context, srv *gmail.Service, mailbox, pageToken string) ([]*maildomain.RemoteChange, string, error) {
	call := srv.Users.Messages.List("me").Context(ctx).MaxResults(snapshotPageSize)
	if mailbox != "" {
		call = call.LabelIds(mailbox)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", mapError(err)
	}

	changes := make([]*maildomain.RemoteChange, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		full, err := srv.Users.Messages.Get("me", msg.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, "", mapError(err)
		}
		remote, err := c.convertMessage(ctx, srv, full)
		if err != nil {
			return nil, "", err
		}
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeNew,
			ProviderID: full.Id,
			Timestamp:  time.Unix(full.InternalDate/1000, 0),
			Email:      remote,
		})
	}

	if resp.NextPageToken != "" {
		return changes, cursorPagePrefix + resp.NextPageToken, nil
	}

	// Snapshot complete: switch to incremental history from here on.
	profile, err := srv.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, "", mapError(err)
	}
	return changes, cursorHistoryPrefix + strconv.FormatUint(profile.HistoryId, 10), nil
}

func (c *Client) fetchHistory(ctx context.Context, srv *gmail.Service, mailbox, startID string) ([]*maildomain.RemoteChange, string, error) {
	start, err := strconv.ParseUint(startID, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid history cursor %q: %w", startID, err)
	}

	call := srv.Users.History.List("me").Context(ctx).StartHistoryId(start)
	if mailbox != "" {
		call = call.LabelId(mailbox)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", mapError(err)
	}

	var changes []*maildomain.RemoteChange
	latest := start
	for _, h := range resp.History {
		if h.Id > latest {
			latest = h.Id
		}
		hc, err := c.convertHistory(ctx, srv, h)
		if err != nil {
			return nil, "", err
		}
		changes = append(changes, hc...)
	}

	if resp.NextPageToken != "" && resp.HistoryId > 0 {
		// More history pages remain; resuming from the last seen record id
		// re-fetches the boundary record, which the merge absorbs.
		return changes, cursorHistoryPrefix + strconv.FormatUint(latest, 10), nil
	}
	if resp.HistoryId > latest {
		latest = resp.HistoryId
	}
	return changes, cursorHistoryPrefix + strconv.FormatUint(latest, 10), nil
}

func (c *Client) convertHistory(ctx context.Context, srv *gmail.Service, h *gmail.History) ([]*maildomain.RemoteChange, error) {
	var changes []*maildomain.RemoteChange

	for _, added := range h.MessagesAdded {
		full, err := srv.Users.Messages.Get("me", added.Message.Id).Format("full").Context(ctx).Do()
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, mapError(err)
		}
		remote, err := c.convertMessage(ctx, srv, full)
		if err != nil {
			return nil, err
		}
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeNew,
			ProviderID: full.Id,
			Timestamp:  time.Unix(full.InternalDate/1000, 0),
			Email:      remote,
		})
	}

	for _, deleted := range h.MessagesDeleted {
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeDeleted,
			ProviderID: deleted.Message.Id,
			Timestamp:  time.Now(),
		})
	}

	for _, la := range h.LabelsAdded {
		if ch := c.labelDelta(ctx, srv, la.Message.Id, la.LabelIds, true); ch != nil {
			changes = append(changes, ch...)
		}
	}
	for _, lr := range h.LabelsRemoved {
		if ch := c.labelDelta(ctx, srv, lr.Message.Id, lr.LabelIds, false); ch != nil {
			changes = append(changes, ch...)
		}
	}

	return changes, nil
}

// labelDelta maps Gmail system-label transitions onto flag changes and
// user-label transitions onto a full label-set change.
func (c *Client) labelDelta(ctx context.Context, srv *gmail.Service, messageID string, labelIDs []string, added bool) []*maildomain.RemoteChange {
	flags := make(map[string]bool)
	userLabels := false
	for _, id := range labelIDs {
		switch id {
		case "UNREAD":
			flags[maildomain.FieldRead] = !added
		case "STARRED":
			flags[maildomain.FieldStarred] = added
		case "INBOX":
			flags[maildomain.FieldArchived] = !added
		case "TRASH":
			flags[maildomain.FieldDeleted] = added
		case "SPAM":
			flags[maildomain.FieldSpam] = added
		default:
			if !strings.HasPrefix(id, "CATEGORY_") {
				userLabels = true
			}
		}
	}

	var changes []*maildomain.RemoteChange
	now := time.Now()
	if len(flags) > 0 {
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeFlag,
			ProviderID: messageID,
			Timestamp:  now,
			Flags:      flags,
		})
	}
	if userLabels {
		msg, err := srv.Users.Messages.Get("me", messageID).Format("minimal").Context(ctx).Do()
		if err != nil {
			log.Printf("[Gmail] [WARN] Failed to resolve labels for message %s: %v", messageID, err)
			return changes
		}
		names, err := c.userLabelNames(ctx, srv, msg.LabelIds)
		if err != nil {
			log.Printf("[Gmail] [WARN] Failed to map label names for message %s: %v", messageID, err)
			return changes
		}
		changes = append(changes, &maildomain.RemoteChange{
			Kind:       maildomain.ChangeLabel,
			ProviderID: messageID,
			Timestamp:  now,
			Labels:     names,
		})
	}
	return changes
}

// PushMutation applies one local mutation to Gmail. All operations are
// expressed as label modifications or trash calls, both idempotent on the
// Gmail side.
func (c *Client) PushMutation(ctx context.Context, mutation *maildomain.PendingMutation) error {
	srv, err := c.service(ctx)
	if err != nil {
		return err
	}

	switch mutation.Field {
	case maildomain.FieldRead:
		return c.modifyLabels(ctx, srv, mutation.ProviderID, mutation.BoolValue, nil, []string{"UNREAD"})
	case maildomain.FieldStarred:
		return c.modifyLabels(ctx, srv, mutation.ProviderID, mutation.BoolValue, []string{"STARRED"}, nil)
	case maildomain.FieldArchived:
		return c.modifyLabels(ctx, srv, mutation.ProviderID, !mutation.BoolValue, []string{"INBOX"}, nil)
	case maildomain.FieldDeleted:
		if mutation.BoolValue {
			_, err = srv.Users.Messages.Trash("me", mutation.ProviderID).Context(ctx).Do()
		} else {
			_, err = srv.Users.Messages.Untrash("me", mutation.ProviderID).Context(ctx).Do()
		}
		return mapPushError(err)
	case maildomain.FieldLabels:
		return c.pushLabels(ctx, srv, mutation)
	}
	return &maildomain.RemoteRejectedError{Reason: "unsupported mutation field " + mutation.Field}
}

// modifyLabels adds the given labels when on is true, removes them when
// false. addWhenOn and removeWhenOn express the two polarity conventions
// (STARRED is added to star; UNREAD is removed to mark read).
func (c *Client) modifyLabels(ctx context.Context, srv *gmail.Service, messageID string, on bool, addWhenOn, removeWhenOn []string) error {
	req := &gmail.ModifyMessageRequest{}
	if on {
		req.AddLabelIds = addWhenOn
		req.RemoveLabelIds = removeWhenOn
	} else {
		req.AddLabelIds = removeWhenOn
		req.RemoveLabelIds = addWhenOn
	}
	_, err := srv.Users.Messages.Modify("me", messageID, req).Context(ctx).Do()
	return mapPushError(err)
}

// pushLabels replaces the message's user labels with the mutation's set,
// creating any labels Gmail does not have yet.
func (c *Client) pushLabels(ctx context.Context, srv *gmail.Service, mutation *maildomain.PendingMutation) error {
	msg, err := srv.Users.Messages.Get("me", mutation.ProviderID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return mapPushError(err)
	}

	if err := c.loadLabelCache(ctx, srv); err != nil {
		return err
	}
	nameToID := make(map[string]string, len(c.labelNames))
	for id, name := range c.labelNames {
		nameToID[name] = id
	}

	want := make(map[string]bool)
	for _, name := range mutation.LabelNames() {
		id, ok := nameToID[name]
		if !ok {
			created, err := srv.Users.Labels.Create("me", &gmail.Label{Name: name}).Context(ctx).Do()
			if err != nil {
				return mapPushError(err)
			}
			c.labelNames[created.Id] = created.Name
			id = created.Id
		}
		want[id] = true
	}

	req := &gmail.ModifyMessageRequest{}
	for id := range want {
		req.AddLabelIds = append(req.AddLabelIds, id)
	}
	for _, id := range msg.LabelIds {
		if _, isUser := c.labelNames[id]; isUser && !want[id] {
			req.RemoveLabelIds = append(req.RemoveLabelIds, id)
		}
	}
	if len(req.AddLabelIds) == 0 && len(req.RemoveLabelIds) == 0 {
		return nil
	}

	_, err = srv.Users.Messages.Modify("me", mutation.ProviderID, req).Context(ctx).Do()
	return mapPushError(err)
}

// loadLabelCache fills the id -> name map for user labels.
func (c *Client) loadLabelCache(ctx context.Context, srv *gmail.Service) error {
	if c.labelNames != nil {
		return nil
	}
	resp, err := srv.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return mapError(err)
	}
	c.labelNames = make(map[string]string)
	for _, label := range resp.Labels {
		if label.Type == "user" {
			c.labelNames[label.Id] = label.Name
		}
	}
	return nil
}

func (c *Client) userLabelNames(ctx context.Context, srv *gmail.Service, labelIDs []string) ([]string, error) {
	if err := c.loadLabelCache(ctx, srv); err != nil {
		return nil, err
	}
	var names []string
	for _, id := range labelIDs {
		if name, ok := c.labelNames[id]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) convertMessage(ctx context.Context, srv *gmail.Service, msg *gmail.Message) (*maildomain.RemoteEmail, error) {
	from := getHeader(msg.Payload.Headers, "From")
	fromName := from
	fromEmail := from
	if idx := strings.Index(from, "<"); idx > 0 {
		fromName = strings.TrimSpace(from[:idx])
		fromEmail = strings.Trim(from[idx:], "<> ")
	}

	var to []string
	if toHeader := getHeader(msg.Payload.Headers, "To"); toHeader != "" {
		for _, addr := range strings.Split(toHeader, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				if idx := strings.Index(addr, "<"); idx >= 0 {
					addr = strings.Trim(addr[idx:], "<> ")
				}
				to = append(to, addr)
			}
		}
	}

	body, isHTML := getEmailBody(msg.Payload)
	if isHTML {
		body = stripHTML(body)
	}

	labels, err := c.userLabelNames(ctx, srv, msg.LabelIds)
	if err != nil {
		return nil, err
	}

	return &maildomain.RemoteEmail{
		ProviderID:       msg.Id,
		ProviderThreadID: msg.ThreadId,
		Subject:          getHeader(msg.Payload.Headers, "Subject"),
		Body:             body,
		Snippet:          msg.Snippet,
		FromName:         fromName,
		FromEmail:        fromEmail,
		To:               to,
		SentAt:           time.Unix(msg.InternalDate/1000, 0),
		Read:             !hasLabel(msg.LabelIds, "UNREAD"),
		Starred:          hasLabel(msg.LabelIds, "STARRED"),
		Archived:         !hasLabel(msg.LabelIds, "INBOX"),
		Labels:           labels,
	}, nil
}

// Helper functions

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if header.Name == name {
			return header.Value
		}
	}
	return ""
}

func getEmailBody(payload *gmail.MessagePart) (string, bool) {
	if payload.Body != nil && payload.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			return string(data), payload.MimeType == "text/html"
		}
	}

	var htmlBody string
	var plainBody string

	var findBody func(parts []*gmail.MessagePart)
	findBody = func(parts []*gmail.MessagePart) {
		for _, part := range parts {
			if part.MimeType == "text/html" {
				if part.Body != nil && part.Body.Data != "" {
					data, err := base64.URLEncoding.DecodeString(part.Body.Data)
					if err == nil {
						htmlBody = string(data)
					}
				}
			} else if part.MimeType == "text/plain" {
				if part.Body != nil && part.Body.Data != "" {
					data, err := base64.URLEncoding.DecodeString(part.Body.Data)
					if err == nil {
						plainBody = string(data)
					}
				}
			}
			if len(part.Parts) > 0 {
				findBody(part.Parts)
			}
		}
	}
	findBody(payload.Parts)

	if plainBody != "" {
		return plainBody, false
	}
	return htmlBody, htmlBody != ""
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	return strings.Join(strings.Fields(s), " ")
}

func hasLabel(labels []string, labelID string) bool {
	for _, label := range labels {
		if label == labelID {
			return true
		}
	}
	return false
}

// Error mapping

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401:
			return fmt.Errorf("%w: %v", maildomain.ErrAuth, err)
		case gerr.Code == 429:
			return &maildomain.TransientError{RetryAfter: retryAfter(gerr), Err: err}
		case gerr.Code >= 500:
			return &maildomain.TransientError{Err: err}
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Network-level failure: retryable.
	return &maildomain.TransientError{Err: err}
}

// mapPushError is mapError plus the push-specific terminal cases: a 400 or
// 404 means the remote refused this mutation and it must not be retried.
func mapPushError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 400 || gerr.Code == 404) {
		return &maildomain.RemoteRejectedError{Reason: gerr.Message}
	}
	return mapError(err)
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header != nil {
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

// isHistoryExpired reports whether the history cursor is too old for Gmail
// to replay (404 from history.list).
func isHistoryExpired(err error) bool {
	return isNotFound(err)
}
