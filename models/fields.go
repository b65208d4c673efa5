package models

import "time"

// Document field names shared with the other clients of the store.
const (
	FieldName            = "name"
	FieldEmail           = "email"
	FieldPushToken       = "fcmtoken"
	FieldSessionToken    = "sessionToken"
	FieldSessionIssuedAt = "sessionIssuedAt"
	FieldAvailability    = "availability"
	FieldImage           = "image"

	FieldSenderID   = "senderId"
	FieldReceiverID = "receiverId"
	FieldMessage    = "message"
	FieldTimestamp  = "timestamp"

	FieldSenderName    = "senderName"
	FieldReceiverName  = "receiverName"
	FieldSenderImage   = "senderImg"
	FieldReceiverImage = "receiverImg"
	FieldLastMessage   = "lastMessage"

	FieldUserID     = "userId"
	FieldAction     = "action"
	FieldDeviceInfo = "deviceInfo"

	FieldSharedKey = "key"
)

// SharedKeyDocID is the config document holding the shared message key.
const SharedKeyDocID = "sharedAesKey"

func stringValue(data map[string]any, name string) string {
	v, _ := data[name].(string)
	return v
}

func intValue(data map[string]any, name string) int64 {
	switch v := data[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func timeValue(data map[string]any, name string) time.Time {
	switch v := data[name].(type) {
	case time.Time:
		return v
	case int64:
		return time.UnixMilli(v)
	case float64:
		return time.UnixMilli(int64(v))
	default:
		return time.Time{}
	}
}
