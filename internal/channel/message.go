package channel

// Message event types.
const (
	MessageTypeCreate = "create"
	MessageTypeUpdate = "update"
	MessageTypeDelete = "delete"
)

// Message actions carried by view-channel updates.
const (
	ActionMove   = "move"
	ActionRemove = "remove"
	ActionAdd    = "add"
)

// Message is the payload published on field and view channels. Resource
// channels publish nil payloads; an empty message just means "refetch".
type Message struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	ID     string `json:"id,omitempty"`
	Value  any    `json:"value,omitempty"`
}

// UpdateValue builds the field-update payload, normalizing absent values to
// null on the wire.
func UpdateValue(value any) Message {
	return Message{Type: MessageTypeUpdate, Value: value}
}

// CreateNotice builds the view-channel payload announcing a new member.
func CreateNotice(id string) Message {
	return Message{Type: MessageTypeCreate, ID: id}
}

// DeleteNotice builds the deletion payload for field and view channels.
func DeleteNotice(id string) Message {
	return Message{Type: MessageTypeDelete, ID: id}
}

// ViewUpdate builds the view-channel payload describing membership movement.
func ViewUpdate(action, id string) Message {
	return Message{Type: MessageTypeUpdate, Action: action, ID: id}
}
