// internal/sensor/factory.go
package sensor

import (
	"fmt"

	"github.com/colebrumley/reactor/internal/model"
	"github.com/colebrumley/reactor/internal/trigger"
)

// New creates the sensor for a trigger based on its type.
func New(t *model.Trigger) (Sensor, error) {
	switch t.Type {
	case trigger.TypeCronTimer:
		return NewCron(t)
	case trigger.TypeIntervalTimer:
		return NewInterval(t)
	case trigger.TypeFileWatch:
		return NewFileWatch(t)
	case trigger.TypeWebhook:
		return NewWebhook(t)
	case trigger.TypeLifecycle:
		return NewLifecycle(t)
	default:
		return nil, fmt.Errorf("no sensor for trigger type: %s", t.Type)
	}
}

// HasSensor reports whether triggers of the given type are fed by a
// built-in sensor.
func HasSensor(triggerType string) bool {
	switch triggerType {
	case trigger.TypeCronTimer, trigger.TypeIntervalTimer, trigger.TypeFileWatch,
		trigger.TypeWebhook, trigger.TypeLifecycle:
		return true
	}
	return false
}
