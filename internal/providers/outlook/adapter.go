package outlook

import (
	"context"
	"fmt"
	"time"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/inbox-digest/internal/auth"
	"github.com/Martian-dev/inbox-digest/internal/sync"
)

var messageFields = []string{"id", "subject", "from", "sender", "body", "receivedDateTime", "sentDateTime"}

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates a new Outlook adapter
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	cred := auth.NewStaticTokenCredential(tok.AccessToken, tok.Expiry)

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client}, nil
}

// Filter is the OData filter for messages received after since.
func Filter(since time.Time) string {
	return "receivedDateTime gt " + since.UTC().Format(time.RFC3339)
}

// ListMessages lists inbox messages received after since, newest first.
func (a *Adapter) ListMessages(ctx context.Context, since time.Time, max int) ([]sync.MessageRef, error) {
	filter := Filter(since)
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Filter:  &filter,
			Orderby: []string{"receivedDateTime desc"},
			Top:     Int32Ptr(int32(max)),
			Select:  []string{"id"},
		},
	}

	result, err := a.client.Me().MailFolders().ByMailFolderId("inbox").Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var refs []sync.MessageRef
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			refs = append(refs, sync.MessageRef{ID: *id})
		}
	}
	return refs, nil
}

// GetMessage fetches one message with its body rendered as plain text.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*sync.RawMessage, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)

	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	}

	msg, err := a.client.Me().Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(msg), nil
}

// toRaw converts a Graph message
func toRaw(m models.Messageable) *sync.RawMessage {
	raw := &sync.RawMessage{Headers: make(map[string]string)}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Headers["Subject"] = *subject
	}

	from := m.GetFrom()
	if from == nil {
		from = m.GetSender()
	}
	if from != nil {
		raw.Headers["From"] = formatAddress(from.GetEmailAddress())
	}

	if sent := m.GetSentDateTime(); sent != nil {
		raw.Headers["Date"] = sent.UTC().Format(time.RFC1123Z)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = rcvd.UTC()
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Parts = []sync.Part{{MimeType: mimeType, Data: *body.GetContent()}}
	}

	return raw
}

func formatAddress(addr models.EmailAddressable) string {
	if addr == nil {
		return ""
	}
	var name, email string
	if n := addr.GetName(); n != nil {
		name = *n
	}
	if e := addr.GetAddress(); e != nil {
		email = *e
	}
	switch {
	case name != "" && email != "" && name != email:
		return fmt.Sprintf("%s <%s>", name, email)
	case email != "":
		return email
	default:
		return name
	}
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
