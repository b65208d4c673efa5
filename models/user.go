package models

import (
	"time"

	"chatguard/docstore"
)

// Availability values stored on the user record.
const (
	Offline int64 = 0
	Online  int64 = 1
)

// User is the users/<uid> record.
type User struct {
	ID              string
	Name            string
	Email           string
	Image           string
	PushToken       string
	SessionToken    string
	SessionIssuedAt time.Time
	Availability    int64
}

func UserFromDocument(doc docstore.Document) User {
	return User{
		ID:              doc.ID,
		Name:            stringValue(doc.Data, FieldName),
		Email:           stringValue(doc.Data, FieldEmail),
		Image:           stringValue(doc.Data, FieldImage),
		PushToken:       stringValue(doc.Data, FieldPushToken),
		SessionToken:    stringValue(doc.Data, FieldSessionToken),
		SessionIssuedAt: timeValue(doc.Data, FieldSessionIssuedAt),
		Availability:    intValue(doc.Data, FieldAvailability),
	}
}

// Online reports whether the user is currently marked available.
func (u User) Online() bool {
	return u.Availability == Online
}
