package mqtt

import "fmt"

// Topic constants for the assistant message bus.
const (
	// Incoming action events, one topic per person
	TopicActionEvents = "assistant/action/+"

	// Incoming reminder feedback (confirm / dismiss / snooze)
	TopicReminderFeedback = "assistant/feedback/+"

	// Outgoing scheduled reminder candidates
	TopicReminderBase = "assistant/reminder"

	// Manual triggers for the background passes
	TopicTriggerDecay   = "assistant/admin/decay"
	TopicTriggerAdvance = "assistant/admin/advance"

	// Virtual time configuration for test scenarios
	TopicTimeConfig = "assistant/test/time_config"
)

// ActionTopic constructs the action event topic for a person.
// Pattern: assistant/action/{person}
func ActionTopic(personID string) string {
	return fmt.Sprintf("assistant/action/%s", personID)
}

// FeedbackTopic constructs the reminder feedback topic for a person.
// Pattern: assistant/feedback/{person}
func FeedbackTopic(personID string) string {
	return fmt.Sprintf("assistant/feedback/%s", personID)
}

// ReminderTopic constructs the outgoing reminder topic for a person.
// Pattern: assistant/reminder/{person}
func ReminderTopic(personID string) string {
	return fmt.Sprintf("assistant/reminder/%s", personID)
}
