// Package messaging defines the addressed payloads peers exchange on top of
// broadcast events.
//
// # Addressed messages
//
// Every addressed message names a Target, either a peer id or the literal
// TargetPrimary, and the Origin peer that sent it. Messages are broadcast to
// all peers; a receiver delivers one locally only when IsFor reports true:
//
//	msg := messaging.NewMessage(self, messaging.TargetPrimary, data).Build()
//	if msg.IsFor(p.ID(), p.IsPrimary()) {
//	    // deliver
//	}
//
// Delivery is logical, not confidential: every peer can observe every
// message.
//
// # Calls
//
// Request and Response are the frames of the request/response layer. A
// Response carries either a Result or an Error and is correlated with its
// Request purely by RequestID.
//
// # Wire form
//
// Wire returns a plain map so custom codecs see only generic shapes; Parse,
// ParseRequest and ParseResponse accept whatever the codec decoded.
package messaging
