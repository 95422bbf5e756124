package messaging

type MessageBuilder struct {
	message *Message
}

func NewMessage(origin, target string, data any) *MessageBuilder {
	return &MessageBuilder{
		message: &Message{
			ID:     generateID(),
			Target: target,
			Origin: origin,
			Data:   data,
		},
	}
}

func NewPrimaryMessage(origin string, data any) *MessageBuilder {
	return NewMessage(origin, TargetPrimary, data)
}

func (mb *MessageBuilder) ID(id string) *MessageBuilder {
	mb.message.ID = id
	return mb
}

func (mb *MessageBuilder) Build() *Message {
	return mb.message
}
