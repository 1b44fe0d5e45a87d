package eventbus

import (
	"encoding/json"
	"maps"
	"strings"
	"time"
)

// EventType names a notification. Values are dotted: "<category>.<name>".
type EventType string

const (
	SystemStartup            EventType = "system.startup"
	SystemShutdown           EventType = "system.shutdown"
	SystemSubscriberDisabled EventType = "system.subscriber_disabled"
	SystemConfigReloaded     EventType = "system.config_reloaded"
	SystemError              EventType = "system.error"

	TaskRegistered EventType = "task.registered"
	TaskReady      EventType = "task.ready"
	TaskRunning    EventType = "task.running"
	TaskCompleted  EventType = "task.completed"
	TaskFailed     EventType = "task.failed"
	TaskCancelled  EventType = "task.cancelled"
	TaskPurged     EventType = "task.purged"

	ResourceWarning   EventType = "resource.warning"
	ResourceCritical  EventType = "resource.critical"
	ResourceRecovered EventType = "resource.recovered"

	PoolResized EventType = "pool.resized"
)

// Categories.
const (
	CategorySystem   = "system"
	CategoryTask     = "task"
	CategoryResource = "resource"
	CategoryPool     = "pool"
	CategoryCustom   = "custom"
)

// Custom builds an application-defined event type in the custom category.
func Custom(name string) EventType {
	return EventType(CategoryCustom + "." + strings.TrimSpace(name))
}

// Category returns the prefix before the first dot.
func (t EventType) Category() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func (t EventType) String() string { return string(t) }

// Event is an immutable notification. The payload is copied on construction
// and on every read, so neither publishers nor subscribers can alter what
// history holds.
//
// Seq and Time are stamped by the bus at publish time.
type Event struct {
	Type   EventType
	Source string
	Seq    uint64
	Time   time.Time

	data map[string]any
}

// NewEvent builds an event. data may be nil.
func NewEvent(typ EventType, source string, data map[string]any) Event {
	return Event{Type: typ, Source: source, data: maps.Clone(data)}
}

// Payload returns a copy of the payload mapping.
func (e Event) Payload() map[string]any {
	if e.data == nil {
		return map[string]any{}
	}
	return maps.Clone(e.data)
}

func (e Event) Value(key string) (any, bool) {
	v, ok := e.data[key]
	return v, ok
}

// String returns the payload value under key when it is a string.
func (e Event) String(key string) string {
	s, _ := e.data[key].(string)
	return s
}

type eventJSON struct {
	Seq    uint64         `json:"seq"`
	Type   EventType      `json:"type"`
	Source string         `json:"source,omitempty"`
	Time   time.Time      `json:"time"`
	Data   map[string]any `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{Seq: e.Seq, Type: e.Type, Source: e.Source, Time: e.Time, Data: e.data})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var v eventJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = Event{Type: v.Type, Source: v.Source, Seq: v.Seq, Time: v.Time, data: v.Data}
	return nil
}
