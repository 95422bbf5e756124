package channel

import "sync/atomic"

type MetricsSnapshot struct {
	Ports        int64
	MessagesSent int64
	MessagesRecv int64
	Undelivered  int64
}

type Metrics struct {
	ports        atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	undelivered  atomic.Int64
}

func (m *Metrics) recordPort(delta int) {
	m.ports.Add(int64(delta))
}

func (m *Metrics) recordSent() {
	m.messagesSent.Add(1)
}

func (m *Metrics) recordRecv() {
	m.messagesRecv.Add(1)
}

func (m *Metrics) recordUndelivered() {
	m.undelivered.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Ports:        m.ports.Load(),
		MessagesSent: m.messagesSent.Load(),
		MessagesRecv: m.messagesRecv.Load(),
		Undelivered:  m.undelivered.Load(),
	}
}
