// Package contracts provides the core event types shared by publishers and consumers.
//
// This package defines:
//   - Event: the interface every published event implements; EventName is the
//     static name that doubles as the exchange name and the MessageType header
//   - BaseEvent: the id and UTC creation date carried by every event
//   - Verdict: a handler's decision about a delivery
//
// Events are immutable values. Once serialized they are plain JSON bytes on the
// wire, readable by consumers written in any language.
package contracts
