package warning

import (
	"time"

	"go.flowcatalyst.tech/internal/router/notification"
)

// NotifyingService decorates a warning store so every recorded warning is
// also handed to the notification service. Notification delivery is
// best-effort and must never affect the store.
type NotifyingService struct {
	Service
	notifier notification.Service
}

// WithNotifier wraps a warning service with notification fan-out. A nil or
// disabled notifier returns the service unchanged.
func WithNotifier(svc Service, notifier notification.Service) Service {
	if notifier == nil || !notifier.IsEnabled() {
		return svc
	}
	return &NotifyingService{Service: svc, notifier: notifier}
}

// AddWarning records the warning and notifies operators.
func (s *NotifyingService) AddWarning(category, severity, message, source string) {
	s.Service.AddWarning(category, severity, message, source)

	if severity == SeverityCritical {
		s.notifier.NotifyCriticalError(message, source)
		return
	}

	s.notifier.NotifyWarning(&notification.Warning{
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: time.Now(),
	})
}
