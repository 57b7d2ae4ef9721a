package core

import (
	"bytes"
	"net/mail"
	texttmpl "text/template"

	"github.com/pkg/errors"
)

type (
	Attachment struct {
		Content     *bytes.Buffer
		ContentType string
		Filename    string
	}

	EmailMessage struct {
		To          []mail.Address
		Cc          []mail.Address
		Bcc         []mail.Address
		Subject     string
		BodyStr     string // simple text/plain, non-templated content
		Attachments []Attachment

		// templated contents
		Template     *texttmpl.Template
		TemplateData interface{}
		TextContent  string
	}

	ContextData struct {
		FrontendBaseURL string
		AppName         string
		Data            interface{}
	}

	// EmailService is any service that can send emails
	EmailService interface {
		// SendMessages sends messages concurrently
		SendMessages(messages ...*EmailMessage)
	}
)

// Render resolves the message's final text content, either from BodyStr or by
// executing Template with TemplateData.
func (m *EmailMessage) Render(conf *Config) error {
	if m.BodyStr != "" {
		m.TextContent = m.BodyStr
		return nil
	}
	if m.Template == nil {
		return nil
	}
	var buf bytes.Buffer
	data := ContextData{
		FrontendBaseURL: conf.FrontendBaseURL,
		AppName:         conf.AppName,
		Data:            m.TemplateData,
	}
	if err := m.Template.Execute(&buf, data); err != nil {
		return errors.Wrap(err, "executing email template")
	}
	m.TextContent = buf.String()
	return nil
}

func (m *EmailMessage) HasRecipients() bool {
	return len(m.To) > 0 || len(m.Cc) > 0 || len(m.Bcc) > 0
}

func (m *EmailMessage) HasContent() bool {
	return m.TextContent != "" || m.BodyStr != ""
}

func (m *EmailMessage) HasAttachments() bool {
	return len(m.Attachments) > 0
}
