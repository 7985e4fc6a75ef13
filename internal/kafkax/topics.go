package kafkax

const (
	// Delivery work queue: carries delivery ids; a delivery re-enqueues
	// itself here after every non-terminal transition.
	TopicDeliveryTasks = "delivery.tasks"

	// Webhook notification queue and its dead-letter companion.
	TopicNotifications    = "delivery.notifications"
	TopicNotificationsDLQ = "delivery.notifications.dlq"
)
