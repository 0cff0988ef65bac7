package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const TaskUpdateContactStatus = "contacts.appointment_status.update"

// ContactStatusPayload carries one resolved call outcome to the contact
// store.
type ContactStatusPayload struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"`
	ContactID string `json:"contactId"`
	Outcome   string `json:"outcome"`
}

// contactStatusTaskID dedupes the task per session across publishers and
// process restarts.
func contactStatusTaskID(sessionID string) string {
	return "contact-status:" + sessionID
}

func NewContactStatusTask(payload ContactStatusPayload) (*asynq.Task, error) {
	if payload.SessionID == "" {
		return nil, fmt.Errorf("contact status task: session id is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUpdateContactStatus, data), nil
}

func ParseContactStatusPayload(task *asynq.Task) (ContactStatusPayload, error) {
	var payload ContactStatusPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ContactStatusPayload{}, err
	}
	return payload, nil
}
