package outlook

import (
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/nalgeon/be"

	"github.com/Martian-dev/inbox-digest/internal/sync"
)

func strPtr(s string) *string { return &s }

func recipient(name, addr string) models.Recipientable {
	email := models.NewEmailAddress()
	if name != "" {
		email.SetName(strPtr(name))
	}
	email.SetAddress(strPtr(addr))
	r := models.NewRecipient()
	r.SetEmailAddress(email)
	return r
}

func TestFilter(t *testing.T) {
	since := time.Date(2025, 3, 9, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	be.Equal(t, Filter(since), "receivedDateTime gt 2025-03-09T08:00:00Z")
}

func TestToRaw(t *testing.T) {
	sent := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	received := sent.Add(time.Minute)

	m := models.NewMessage()
	m.SetId(strPtr("AAMk1"))
	m.SetSubject(strPtr("Board meeting"))
	m.SetFrom(recipient("Grace Hopper", "grace@example.com"))
	m.SetSentDateTime(&sent)
	m.SetReceivedDateTime(&received)
	body := models.NewItemBody()
	text := models.TEXT_BODYTYPE
	body.SetContentType(&text)
	body.SetContent(strPtr("Agenda attached."))
	m.SetBody(body)

	raw := toRaw(m)
	be.Equal(t, raw.ID, "AAMk1")
	be.Equal(t, raw.Headers["From"], "Grace Hopper <grace@example.com>")

	msg := sync.Normalize(raw, time.Now())
	be.Equal(t, msg.Subject, "Board meeting")
	be.Equal(t, msg.Body, "Agenda attached.")
	be.True(t, msg.Date.Equal(sent))
}

func TestToRawHTMLAndSenderFallback(t *testing.T) {
	m := models.NewMessage()
	m.SetSender(recipient("", "noreply@example.com"))
	body := models.NewItemBody()
	html := models.HTML_BODYTYPE
	body.SetContentType(&html)
	body.SetContent(strPtr("<p>Your <em>invoice</em></p>"))
	m.SetBody(body)

	raw := toRaw(m)
	be.Equal(t, raw.Headers["From"], "noreply@example.com")
	be.Equal(t, raw.Parts, []sync.Part{{MimeType: "text/html", Data: "<p>Your <em>invoice</em></p>"}})
}
