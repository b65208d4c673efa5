package push

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DefaultTitle is the notification title shown by receiving clients.
const DefaultTitle = "JavaChat"

var validate = validator.New()

// Payload is one notification. The message text is never included.
type Payload struct {
	TargetToken string `validate:"required"`
	Title       string `validate:"required,max=128"`
	Body        string `validate:"required,max=1024"`
	SenderID    string `validate:"required"`
	SenderName  string `validate:"max=256"`
}

// NewMessagePayload builds the "you have a message" notification for a receiver's device.
func NewMessagePayload(targetToken, senderID, senderName string) Payload {
	return Payload{
		TargetToken: targetToken,
		Title:       DefaultTitle,
		Body:        "You have a message from " + senderName,
		SenderID:    senderID,
		SenderName:  senderName,
	}
}

// Validate checks the payload before it is sent.
func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid push payload: %w", err)
	}
	return nil
}

type wireRequest struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	Token string            `json:"token"`
	Data  map[string]string `json:"data"`
}

func (p Payload) wire() wireRequest {
	return wireRequest{Message: wireMessage{
		Token: p.TargetToken,
		Data: map[string]string{
			"title":      p.Title,
			"body":       p.Body,
			"senderId":   p.SenderID,
			"senderName": p.SenderName,
		},
	}}
}
