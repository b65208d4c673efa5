package models

import (
	"time"

	"chatguard/docstore"
)

// ChatMessage is one chat record. Message holds the encrypted envelope, never plaintext.
type ChatMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Message    string
	Timestamp  time.Time
}

func (m ChatMessage) Fields() map[string]any {
	return map[string]any{
		FieldSenderID:   m.SenderID,
		FieldReceiverID: m.ReceiverID,
		FieldMessage:    m.Message,
		FieldTimestamp:  m.Timestamp,
	}
}

func ChatMessageFromDocument(doc docstore.Document) ChatMessage {
	return ChatMessage{
		ID:         doc.ID,
		SenderID:   stringValue(doc.Data, FieldSenderID),
		ReceiverID: stringValue(doc.Data, FieldReceiverID),
		Message:    stringValue(doc.Data, FieldMessage),
		Timestamp:  timeValue(doc.Data, FieldTimestamp),
	}
}

// Conversation is the per-pair summary shown in the recent conversations list.
type Conversation struct {
	ID            string
	SenderID      string
	SenderName    string
	SenderImage   string
	ReceiverID    string
	ReceiverName  string
	ReceiverImage string
	LastMessage   string
	Timestamp     time.Time
}

func (c Conversation) Fields() map[string]any {
	return map[string]any{
		FieldSenderID:      c.SenderID,
		FieldSenderName:    c.SenderName,
		FieldSenderImage:   c.SenderImage,
		FieldReceiverID:    c.ReceiverID,
		FieldReceiverName:  c.ReceiverName,
		FieldReceiverImage: c.ReceiverImage,
		FieldLastMessage:   c.LastMessage,
		FieldTimestamp:     c.Timestamp,
	}
}

func ConversationFromDocument(doc docstore.Document) Conversation {
	return Conversation{
		ID:            doc.ID,
		SenderID:      stringValue(doc.Data, FieldSenderID),
		SenderName:    stringValue(doc.Data, FieldSenderName),
		SenderImage:   stringValue(doc.Data, FieldSenderImage),
		ReceiverID:    stringValue(doc.Data, FieldReceiverID),
		ReceiverName:  stringValue(doc.Data, FieldReceiverName),
		ReceiverImage: stringValue(doc.Data, FieldReceiverImage),
		LastMessage:   stringValue(doc.Data, FieldLastMessage),
		Timestamp:     timeValue(doc.Data, FieldTimestamp),
	}
}

// AuditEntry is one record of the remote logs collection.
type AuditEntry struct {
	UserID     string
	Action     string
	ReceiverID string
	Timestamp  time.Time
	DeviceInfo string
}

func (a AuditEntry) Fields() map[string]any {
	return map[string]any{
		FieldUserID:     a.UserID,
		FieldAction:     a.Action,
		FieldReceiverID: a.ReceiverID,
		FieldTimestamp:  a.Timestamp,
		FieldDeviceInfo: a.DeviceInfo,
	}
}
